package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"arpentage/api/internal/casefile"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaseFileSurvivesSaveAndReload(t *testing.T) {
	doc := casefile.NewDocument(casefile.CaseFile{
		ID:         "df_7",
		FileNumber: "2210",
		Surveyor:   "Julie Tremblay",
		Status:     casefile.StatusOpen,
		ClientIDs:  []string{"cl_1", "Roy, Marc", `dit "le Grand"`, `back\slash`, ""},
		BrokerIDs:  []string{"co_1"},
		Mandates: []casefile.Mandate{
			{ID: "m_1", Type: "Bornage", CurrentTask: casefile.TaskOpening, Lots: []string{"1 234 567"}},
		},
	})
	require.NoError(t, doc.UpdateField("description", "Lot riverain, côté « nord »"))
	require.NoError(t, doc.UpdateField("mandats[0].utilisateur_assigne", "a@x.com"))
	require.NoError(t, doc.UpdateField("mandats[0].tache_actuelle", casefile.TaskSchedule))
	require.NoError(t, doc.UpdateField("mandats[0].date_livraison", "2024-06-15"))
	doc.AddMandate()
	require.NoError(t, doc.AppendMinute(1, casefile.Minute{Number: "12 345", Date: "2024-03-01", Type: "Certificat"}))
	saved := doc.Current()

	mandates, err := mandateList(saved.Mandates).Value()
	require.NoError(t, err)
	clients, err := stringArray(saved.ClientIDs).Value()
	require.NoError(t, err)
	notaries, err := stringArray(saved.NotaryIDs).Value()
	require.NoError(t, err)
	brokers, err := stringArray(saved.BrokerIDs).Value()
	require.NoError(t, err)

	pg, mock := setupMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM dossiers WHERE id=$1`)).
		WithArgs("df_7").
		WillReturnRows(sqlmock.NewRows(caseFileColumnNames).AddRow(
			saved.ID, saved.FileNumber, saved.Surveyor, saved.OpenedOn, saved.ClosedOn, string(saved.Status),
			saved.Description, clients, notaries, brokers, mandates, time.Now(),
		))

	stored, err := pg.GetCaseFile(context.Background(), "df_7")
	require.NoError(t, err)
	reloaded := casefile.NewDocument(stored)

	assert.Equal(t, saved.ClientIDs, reloaded.Current().ClientIDs)
	assert.True(t, casefile.Equal(saved, reloaded.Current()), "reloaded case file differs:\nsaved    %+v\nreloaded %+v", saved, reloaded.Current())
	assert.False(t, reloaded.Dirty())
	assert.NoError(t, mock.ExpectationsWereMet())
}
