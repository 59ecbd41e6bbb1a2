package settings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Fixture is a declarative bundle of accounts, mappings and config keys,
// applied idempotently by Service.ApplyFixture.
type Fixture struct {
	Accounts []FixtureAccount `yaml:"accounts"`
	Mappings []FixtureMapping `yaml:"mappings"`
	Config   []FixtureConfig  `yaml:"config"`
}

// FixtureAccount is one chart of accounts line. Parents must be listed
// before their children.
type FixtureAccount struct {
	Code     string      `yaml:"code"`
	Name     string      `yaml:"name"`
	Type     AccountType `yaml:"type"`
	Category string      `yaml:"category"`
	Parent   string      `yaml:"parent"`
	Order    int         `yaml:"order"`
}

// FixtureMapping maps an upstream accounting code to an account code.
type FixtureMapping struct {
	Upstream string `yaml:"upstream"`
	Label    string `yaml:"label"`
	Category string `yaml:"category"`
	Account  string `yaml:"account"`
	Notes    string `yaml:"notes"`
}

// FixtureConfig is one settings_config key.
type FixtureConfig struct {
	Key         string `yaml:"key"`
	Value       string `yaml:"value"`
	Description string `yaml:"description"`
}

// FixtureReport counts what ApplyFixture changed.
type FixtureReport struct {
	AccountsCreated   int `json:"accounts_created"`
	AccountsUpdated   int `json:"accounts_updated"`
	MappingsCreated   int `json:"mappings_created"`
	MappingsUpdated   int `json:"mappings_updated"`
	MappingsUnchanged int `json:"mappings_unchanged"`
	ConfigWritten     int `json:"config_written"`
}

// LoadFixture decodes and validates a YAML fixture. Unknown fields are rejected.
func LoadFixture(r io.Reader) (Fixture, error) {
	var fx Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fx); err != nil && !errors.Is(err, io.EOF) {
		return Fixture{}, fmt.Errorf("settings: decode fixture: %w", err)
	}
	validate := validator.New()
	for i, a := range fx.Accounts {
		if err := validate.Struct(a.input("")); err != nil {
			return Fixture{}, fmt.Errorf("settings: fixture account %d (%s): %w", i, a.Code, err)
		}
	}
	for i, m := range fx.Mappings {
		if err := validate.Struct(m.input("")); err != nil {
			return Fixture{}, fmt.Errorf("settings: fixture mapping %d (%s): %w", i, m.Upstream, err)
		}
	}
	for i, c := range fx.Config {
		if err := validate.Struct(c.input("")); err != nil {
			return Fixture{}, fmt.Errorf("settings: fixture config %d (%s): %w", i, c.Key, err)
		}
	}
	return fx, nil
}

func (a FixtureAccount) input(actor string) AccountInput {
	return AccountInput{
		Code:         a.Code,
		Name:         a.Name,
		Type:         a.Type,
		Category:     a.Category,
		ParentCode:   a.Parent,
		DisplayOrder: a.Order,
		Actor:        actor,
	}
}

func (m FixtureMapping) input(actor string) MappingInput {
	return MappingInput{
		UpstreamAccountID: m.Upstream,
		UpstreamLabel:     m.Label,
		CostCategory:      m.Category,
		CoaCode:           m.Account,
		Notes:             m.Notes,
		Actor:             actor,
	}
}

func (c FixtureConfig) input(actor string) ConfigInput {
	return ConfigInput{Key: c.Key, Value: c.Value, Description: c.Description, Actor: actor}
}

// ApplyFixture creates or updates every account, then mappings, then config
// keys, so config values may reference accounts from the same fixture.
// Existing accounts are reactivated. An upstream code that already has an
// active mapping is repointed instead of conflicting.
func (s *Service) ApplyFixture(ctx context.Context, fx Fixture, actor string) (FixtureReport, error) {
	var report FixtureReport
	active := true
	for _, a := range fx.Accounts {
		_, err := s.GetAccount(ctx, a.Code)
		switch {
		case errors.Is(err, ErrAccountNotFound):
			if _, err := s.CreateAccount(ctx, a.input(actor)); err != nil {
				return report, fmt.Errorf("account %s: %w", a.Code, err)
			}
			report.AccountsCreated++
		case err != nil:
			return report, err
		default:
			in := a.input(actor)
			if _, err := s.UpdateAccount(ctx, a.Code, AccountUpdate{
				Name:         in.Name,
				Type:         in.Type,
				Category:     in.Category,
				ParentCode:   in.ParentCode,
				DisplayOrder: in.DisplayOrder,
				IsActive:     &active,
				Actor:        actor,
			}); err != nil {
				return report, fmt.Errorf("account %s: %w", a.Code, err)
			}
			report.AccountsUpdated++
		}
	}

	current, err := s.ListMappings(ctx, true)
	if err != nil {
		return report, err
	}
	byUpstream := make(map[string]Mapping, len(current))
	for _, m := range current {
		byUpstream[m.UpstreamAccountID] = m
	}
	for _, m := range fx.Mappings {
		existing, ok := byUpstream[strings.TrimSpace(m.Upstream)]
		switch {
		case !ok:
			created, err := s.CreateMapping(ctx, m.input(actor))
			if err != nil {
				return report, fmt.Errorf("mapping %s: %w", m.Upstream, err)
			}
			byUpstream[created.UpstreamAccountID] = created
			report.MappingsCreated++
		case existing.CoaCode == m.Account:
			report.MappingsUnchanged++
		default:
			if _, err := s.UpdateMapping(ctx, existing.ID, m.input(actor)); err != nil {
				return report, fmt.Errorf("mapping %s: %w", m.Upstream, err)
			}
			report.MappingsUpdated++
		}
	}

	for _, c := range fx.Config {
		if _, err := s.PutConfig(ctx, c.input(actor)); err != nil {
			return report, fmt.Errorf("config %s: %w", c.Key, err)
		}
		report.ConfigWritten++
	}
	s.logger.Info("settings fixture applied",
		slog.Int("accounts_created", report.AccountsCreated),
		slog.Int("accounts_updated", report.AccountsUpdated),
		slog.Int("mappings_created", report.MappingsCreated),
		slog.Int("mappings_updated", report.MappingsUpdated),
		slog.Int("config_written", report.ConfigWritten))
	return report, nil
}
