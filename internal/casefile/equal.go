package casefile

import (
	"bytes"

	json "github.com/goccy/go-json"
)

// Equal reports whether two case files have the same serialized edit-form
// shape. Field order and list order are significant. It never mutates its
// inputs; an unencodable value compares unequal.
func Equal(a, b CaseFile) bool {
	encodedA, err := json.Marshal(a)
	if err != nil {
		return false
	}
	encodedB, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(encodedA, encodedB)
}

// Clone returns a deep copy sharing no slices or pointers with cf.
func Clone(cf CaseFile) CaseFile {
	out := cf
	out.ClientIDs = cloneStrings(cf.ClientIDs)
	out.NotaryIDs = cloneStrings(cf.NotaryIDs)
	out.BrokerIDs = cloneStrings(cf.BrokerIDs)
	if cf.Mandates != nil {
		out.Mandates = make([]Mandate, len(cf.Mandates))
		for i, mandate := range cf.Mandates {
			out.Mandates[i] = cloneMandate(mandate)
		}
	}
	return out
}

func cloneMandate(m Mandate) Mandate {
	out := m
	out.AssignedUser = cloneString(m.AssignedUser)
	out.Address.CivicNumbers = cloneStrings(m.Address.CivicNumbers)
	out.Lots = cloneStrings(m.Lots)
	out.QuotedPrice = cloneFloat(m.QuotedPrice)
	out.FinalPrice = cloneFloat(m.FinalPrice)
	out.Deposit = cloneFloat(m.Deposit)
	if m.Minutes != nil {
		out.Minutes = append(make([]Minute, 0, len(m.Minutes)), m.Minutes...)
	}
	if m.Invoices != nil {
		out.Invoices = append(make([]Invoice, 0, len(m.Invoices)), m.Invoices...)
	}
	out.FieldPlan.PlannedHours = cloneFloat(m.FieldPlan.PlannedHours)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append(make([]string, 0, len(in)), in...)
}

func cloneString(in *string) *string {
	if in == nil {
		return nil
	}
	v := *in
	return &v
}

func cloneFloat(in *float64) *float64 {
	if in == nil {
		return nil
	}
	v := *in
	return &v
}
