// Package catalog reads and writes service definitions as TOML.
//
// A catalog file holds one [[service]] table per service:
//
//	[[service]]
//	id = "svc-shelf"
//	name = "Shelf reset"
//	code = "SHELF"
//	complexity_tier = "STANDARD"
//	estimated_duration_hours = 4
package catalog

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"marketline/internal/domain"
)

type File struct {
	Services []Entry `toml:"service"`
}

type Entry struct {
	ID                     string   `toml:"id"`
	Name                   string   `toml:"name"`
	Code                   string   `toml:"code"`
	Category               string   `toml:"category,omitempty"`
	ComplexityTier         string   `toml:"complexity_tier"`
	EstimatedDurationHours float64  `toml:"estimated_duration_hours"`
	MinDurationHours       float64  `toml:"min_duration_hours,omitempty"`
	MaxDurationHours       float64  `toml:"max_duration_hours,omitempty"`
	RequiredSkills         []string `toml:"required_skills,omitempty"`
	RequiredCertifications []string `toml:"required_certifications,omitempty"`
	SuggestedBaseRateCents int64    `toml:"suggested_base_rate_cents,omitempty"`
	// Active defaults to true when omitted.
	Active *bool `toml:"active,omitempty"`
}

// Upserter stores service definitions.
type Upserter interface {
	UpsertService(ctx context.Context, services ...domain.Service) error
}

// Parse decodes a catalog. Unknown keys and duplicate ids or codes are
// rejected.
func Parse(r io.Reader) ([]domain.Service, error) {
	var f File
	md, err := toml.NewDecoder(r).Decode(&f)
	if err != nil {
		return nil, errors.Annotate(err, "parse catalog")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, errors.NotValidf("catalog keys %s", strings.Join(keys, ", "))
	}
	ids := set.NewStrings()
	codes := set.NewStrings()
	services := make([]domain.Service, 0, len(f.Services))
	for i, e := range f.Services {
		if e.ID == "" {
			return nil, errors.NotValidf("service #%d without id", i+1)
		}
		if ids.Contains(e.ID) {
			return nil, errors.NotValidf("duplicate service id %q", e.ID)
		}
		if e.Code != "" && codes.Contains(e.Code) {
			return nil, errors.NotValidf("duplicate service code %q", e.Code)
		}
		ids.Add(e.ID)
		codes.Add(e.Code)
		services = append(services, e.toDomain())
	}
	return services, nil
}

// Load parses the catalog file at path.
func Load(path string) ([]domain.Service, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer f.Close()
	services, err := Parse(f)
	if err != nil {
		return nil, errors.Annotatef(err, "%s", path)
	}
	return services, nil
}

// Import loads the catalog at path and stores every service in it. It
// returns the number of services imported.
func Import(ctx context.Context, dst Upserter, path string) (int, error) {
	services, err := Load(path)
	if err != nil {
		return 0, err
	}
	if len(services) == 0 {
		return 0, nil
	}
	if err := dst.UpsertService(ctx, services...); err != nil {
		return 0, errors.Annotate(err, "import catalog")
	}
	return len(services), nil
}

// Write encodes services as a catalog.
func Write(w io.Writer, services []domain.Service) error {
	f := File{Services: make([]Entry, 0, len(services))}
	for _, s := range services {
		f.Services = append(f.Services, fromDomain(s))
	}
	return errors.Trace(toml.NewEncoder(w).Encode(f))
}

func (e Entry) toDomain() domain.Service {
	active := true
	if e.Active != nil {
		active = *e.Active
	}
	return domain.Service{
		ID:                     e.ID,
		Name:                   e.Name,
		Code:                   e.Code,
		Category:               e.Category,
		ComplexityTier:         domain.ComplexityTier(strings.ToUpper(e.ComplexityTier)),
		EstimatedDurationHours: e.EstimatedDurationHours,
		MinDurationHours:       e.MinDurationHours,
		MaxDurationHours:       e.MaxDurationHours,
		RequiredSkills:         e.RequiredSkills,
		RequiredCertifications: e.RequiredCertifications,
		SuggestedBaseRateCents: e.SuggestedBaseRateCents,
		Active:                 active,
	}
}

func fromDomain(s domain.Service) Entry {
	active := s.Active
	return Entry{
		ID:                     s.ID,
		Name:                   s.Name,
		Code:                   s.Code,
		Category:               s.Category,
		ComplexityTier:         string(s.ComplexityTier),
		EstimatedDurationHours: s.EstimatedDurationHours,
		MinDurationHours:       s.MinDurationHours,
		MaxDurationHours:       s.MaxDurationHours,
		RequiredSkills:         s.RequiredSkills,
		RequiredCertifications: s.RequiredCertifications,
		SuggestedBaseRateCents: s.SuggestedBaseRateCents,
		Active:                 &active,
	}
}
