package dolibarr

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordNormalizesUpstreamQuirks(t *testing.T) {
	rec, err := Decode([]byte(`{
		"id": "42",
		"ref": "FA2401-0001",
		"socid": 0,
		"type": "2",
		"paye": "1",
		"total_ht": "1000.00000000",
		"total_tva": 150,
		"date": 1704067200,
		"date_lim_reglement": "",
		"tms": "1704153600",
		"note": null
	}`))
	require.NoError(t, err)

	assert.Equal(t, "42", rec.ID("id"))
	assert.Equal(t, "", rec.ID("socid"))
	assert.Equal(t, "FA2401-0001", rec.String("ref"))
	assert.Equal(t, 2, rec.Int("type"))
	assert.True(t, rec.Bool("paye"))
	assert.True(t, decimal.RequireFromString("1000").Equal(rec.Decimal("total_ht")))
	assert.True(t, decimal.NewFromInt(150).Equal(rec.Decimal("total_tva")))
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *rec.Date("date"))
	assert.Nil(t, rec.Date("date_lim_reglement"))
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), *rec.Time("tms"))
	assert.Equal(t, "", rec.String("note"))
	assert.NoError(t, rec.Err())
}

func TestRecordDateUsesUpstreamZone(t *testing.T) {
	riyadh := time.FixedZone("AST", 3*3600)
	// 2024-01-01 00:00 in +03:00 is 2023-12-31 21:00 UTC
	rec, err := DecodeIn([]byte(`{"date": 1704056400}`), riyadh)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *rec.Date("date"))
}

func TestRecordMalformedDecimalIsSticky(t *testing.T) {
	rec, err := Decode([]byte(`{"total_ht": "12,50", "total_ttc": "oops"}`))
	require.NoError(t, err)
	assert.True(t, rec.Decimal("total_ht").IsZero())
	_ = rec.Decimal("total_ttc")

	var dataErr *UpstreamDataError
	require.ErrorAs(t, rec.Err(), &dataErr)
	assert.Equal(t, "total_ht", dataErr.Field)
	assert.Equal(t, "12,50", dataErr.Raw)
	assert.ErrorIs(t, rec.Err(), ErrMalformed)
}

func TestRecordDateFromString(t *testing.T) {
	rec, err := Decode([]byte(`{"date": "2024-03-05 23:10:00", "datep": "2024-03-06"}`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), *rec.Date("date"))
	assert.Equal(t, time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC), *rec.Date("datep"))
	require.NoError(t, rec.Err())
}

func TestRecordMalformedTimestamp(t *testing.T) {
	rec, err := Decode([]byte(`{"datep": "05/01/2024"}`))
	require.NoError(t, err)
	assert.Nil(t, rec.Date("datep"))
	var dataErr *UpstreamDataError
	require.ErrorAs(t, rec.Err(), &dataErr)
	assert.Equal(t, "datep", dataErr.Field)
}

func TestRecordChildren(t *testing.T) {
	rec, err := Decode([]byte(`{"lines":[{"rowid":"1","tva_tx":"15.000"},{"rowid":"2","tva_tx":"5.000"}]}`))
	require.NoError(t, err)
	lines := rec.Children("lines")
	require.Len(t, lines, 2)
	assert.Equal(t, "2", lines[1].ID("rowid"))
	assert.Equal(t, "5", lines[1].Decimal("tva_tx").String())
	assert.Nil(t, rec.Children("missing"))
}

func TestDecodeRejectsNonObject(t *testing.T) {
	_, err := Decode([]byte(`[1,2]`))
	require.ErrorIs(t, err, ErrMalformed)
}
