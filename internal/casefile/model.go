// Package casefile holds the case-file ("dossier") edit document: its data
// model, change detection, field updates and the derived side effects of a
// save.
//
// Assignment notifications pair the mandates of two snapshots by mandate
// id, so removing a mandate mid-list does not shift the comparison. List
// position is used only for mandates that have no id.
package casefile

// Status is the lifecycle status of a case file.
type Status string

const (
	StatusOpen              Status = "Ouvert"
	StatusClosed            Status = "Fermé"
	StatusCallbackPending   Status = "Rappel en attente"
	StatusRejected          Status = "Refusé"
	StatusNewMandateRequest Status = "Demande de nouveau mandat"
	StatusToOpen            Status = "À ouvrir"
	StatusNotGranted        Status = "Non octroyé"
)

// Workflow stages a mandate moves through.
const (
	TaskOpening      = "Ouverture"
	TaskSchedule     = "Cédule"
	TaskAssembly     = "Montage"
	TaskField        = "Terrain"
	TaskCompilation  = "Compilation"
	TaskBinding      = "Reliage"
	TaskDecision     = "Décision/Calcul"
	TaskDrafting     = "Dessin"
	TaskAnalysis     = "Analyse"
	TaskReport       = "Rapport"
	TaskVerification = "Vérification"
	TaskInvoicing    = "Facturation"
)

// FieldStatusVerifying is forced on a mandate whose task moves to TaskSchedule.
const FieldStatusVerifying = "en_verification"

var knownStatuses = map[Status]struct{}{
	StatusOpen:              {},
	StatusClosed:            {},
	StatusCallbackPending:   {},
	StatusRejected:          {},
	StatusNewMandateRequest: {},
	StatusToOpen:            {},
	StatusNotGranted:        {},
}

// ValidStatus reports whether s is one of the known case-file statuses.
func ValidStatus(s Status) bool {
	_, ok := knownStatuses[s]
	return ok
}

type CaseFile struct {
	ID          string    `json:"id,omitempty"`
	FileNumber  string    `json:"numero_dossier"`
	Surveyor    string    `json:"arpenteur_geometre"`
	OpenedOn    string    `json:"date_ouverture"`
	ClosedOn    string    `json:"date_fermeture"`
	Status      Status    `json:"statut"`
	Description string    `json:"description"`
	ClientIDs   []string  `json:"clients_ids"`
	NotaryIDs   []string  `json:"notaires_ids"`
	BrokerIDs   []string  `json:"courtiers_ids"`
	Mandates    []Mandate `json:"mandats"`
}

// Mandate is one surveying job inside a case file. It is owned exclusively
// by its case file.
type Mandate struct {
	ID           string    `json:"id,omitempty"`
	Type         string    `json:"type_mandat"`
	CurrentTask  string    `json:"tache_actuelle"`
	AssignedUser *string   `json:"utilisateur_assigne"`
	FieldStatus  string    `json:"statut_terrain"`
	Address      Address   `json:"adresse_travaux"`
	Lots         []string  `json:"lots"`
	QuotedPrice  *float64  `json:"prix_estime"`
	FinalPrice   *float64  `json:"prix_final"`
	Deposit      *float64  `json:"acompte"`
	SignedOn     string    `json:"date_signature"`
	WorkStartsOn string    `json:"date_debut_travaux"`
	DeliveryOn   string    `json:"date_livraison"`
	FieldWorkOn  string    `json:"date_terrain"`
	Notes        string    `json:"notes"`
	Minute       string    `json:"minute"`
	Minutes      []Minute  `json:"minutes_list"`
	Invoices     []Invoice `json:"factures"`
	FieldPlan    FieldPlan `json:"terrain"`
}

// Assignee returns the assigned user email, or "" when unassigned.
func (m Mandate) Assignee() string {
	if m.AssignedUser == nil {
		return ""
	}
	return *m.AssignedUser
}

type Address struct {
	CivicNumbers []string `json:"numeros_civiques"`
	Street       string   `json:"rue"`
	City         string   `json:"ville"`
	Province     string   `json:"province"`
	PostalCode   string   `json:"code_postal"`
}

// Minute is a legal filing record issued by the surveyor.
type Minute struct {
	Number string `json:"minute"`
	Date   string `json:"date_minute"`
	Type   string `json:"type_minute"`
}

// Invoice is produced by the billing collaborator and read-only here.
type Invoice struct {
	ID       string  `json:"id"`
	Number   string  `json:"numero_facture"`
	Amount   float64 `json:"montant_total"`
	IssuedOn string  `json:"date_facture"`
}

// FieldPlan is the site-visit logistics of a mandate.
type FieldPlan struct {
	SurveyDeadline  string   `json:"date_limite_leve"`
	Instruments     string   `json:"instruments_requis"`
	HasAppointment  bool     `json:"a_rendez_vous"`
	AppointmentDate string   `json:"date_rendez_vous"`
	AppointmentTime string   `json:"heure_rendez_vous"`
	Requester       string   `json:"donneur"`
	Technician      string   `json:"technicien"`
	ReferenceFile   string   `json:"dossier_reference"`
	PlannedHours    *float64 `json:"heures_prevues"`
	Notes           string   `json:"notes"`
}

// Party kinds held in the client registry.
const (
	PartyClient  = "client"
	PartyNotary  = "notaire"
	PartyBroker  = "courtier"
	PartyCompany = "entreprise"
)

// Party is a client-registry entry referenced by id from a case file.
type Party struct {
	ID          string `json:"id"`
	Kind        string `json:"type_client"`
	FirstName   string `json:"prenom"`
	LastName    string `json:"nom"`
	CompanyName string `json:"nom_entreprise"`
	Email       string `json:"courriel"`
	Phone       string `json:"telephone"`
}

// DisplayName prefers the person name and falls back to the company name.
func (p Party) DisplayName() string {
	name := joinNonBlank(" ", p.FirstName, p.LastName)
	if name != "" {
		return name
	}
	return p.CompanyName
}

// Actor is the authenticated user performing an operation.
type Actor struct {
	Email       string
	DisplayName string
}

// Notification kinds.
const (
	KindTaskAssigned = "task_assigned"
)

type Notification struct {
	ID             string `json:"id,omitempty"`
	RecipientEmail string `json:"recipient_email"`
	Title          string `json:"title"`
	Message        string `json:"message"`
	Kind           string `json:"kind"`
	CaseFileID     string `json:"case_file_id"`
}
