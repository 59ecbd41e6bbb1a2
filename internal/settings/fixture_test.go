package settings

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFixture = `
accounts:
  - code: "602000"
    name: Subcontracting
    type: expense
    category: purchases
    order: 71
  - code: "120000"
    name: Main bank
    type: asset
    category: cash
    order: 10
mappings:
  - upstream: "6132"
    label: Rent
    account: "613200"
  - upstream: "6020"
    account: "602000"
config:
  - key: default_expense_account
    value: "602000"
    description: Fallback expense account
`

func TestLoadFixture(t *testing.T) {
	fx, err := LoadFixture(strings.NewReader(sampleFixture))
	require.NoError(t, err)
	require.Len(t, fx.Accounts, 2)
	assert.Equal(t, AccountTypeExpense, fx.Accounts[0].Type)
	assert.Equal(t, "613200", fx.Mappings[0].Account)
	assert.Equal(t, "default_expense_account", fx.Config[0].Key)

	fx, err = LoadFixture(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, fx.Accounts)
}

func TestLoadFixtureRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"unknown field":   "accounts:\n  - code: \"1\"\n    name: x\n    type: asset\n    colour: red\n",
		"bad type":        "accounts:\n  - code: \"1\"\n    name: x\n    type: income\n",
		"mapping account": "mappings:\n  - upstream: \"6132\"\n",
		"config value":    "config:\n  - key: default_bank_account\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFixture(strings.NewReader(doc))
			require.Error(t, err)
		})
	}
}

func TestApplyFixtureIsIdempotent(t *testing.T) {
	svc, repo, audit := newTestService()
	ctx := t.Context()
	fx, err := LoadFixture(strings.NewReader(sampleFixture))
	require.NoError(t, err)

	first, err := svc.ApplyFixture(ctx, fx, "seed")
	require.NoError(t, err)
	assert.Equal(t, FixtureReport{AccountsCreated: 1, AccountsUpdated: 1, MappingsCreated: 2, ConfigWritten: 1}, first)
	assert.Equal(t, "Main bank", repo.accounts["120000"].Name)
	assert.Equal(t, "602000", repo.config["default_expense_account"].Value)

	second, err := svc.ApplyFixture(ctx, fx, "seed")
	require.NoError(t, err)
	assert.Equal(t, FixtureReport{AccountsUpdated: 2, MappingsUnchanged: 2, ConfigWritten: 1}, second)

	active, err := svc.ListMappings(ctx, true)
	require.NoError(t, err)
	assert.Len(t, active, 2)
	assert.NotEmpty(t, audit.logs)
}

func TestApplyFixtureRepointsMapping(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := t.Context()
	_, err := svc.CreateMapping(ctx, MappingInput{UpstreamAccountID: "6132", CoaCode: "601000", Actor: "ops"})
	require.NoError(t, err)

	report, err := svc.ApplyFixture(ctx, Fixture{Mappings: []FixtureMapping{{Upstream: "6132", Account: "613200"}}}, "seed")
	require.NoError(t, err)
	assert.Equal(t, 1, report.MappingsUpdated)

	active, err := svc.ListMappings(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "613200", active[0].CoaCode)
}

func TestApplyFixtureStopsOnInactiveConfigAccount(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.ApplyFixture(t.Context(), Fixture{Config: []FixtureConfig{{Key: "default_ar_account", Value: "999999"}}}, "seed")
	require.ErrorIs(t, err, ErrInactiveAccount)
}
