package eligibility

import (
	"reflect"
	"testing"

	"marketline/internal/domain"
)

func TestCheck(t *testing.T) {
	base := domain.ServiceOffer{ID: "off-1"}
	cases := []struct {
		name      string
		offer     func(o *domain.ServiceOffer)
		associate string
		profile   domain.AssociateProfile
		want      Reason
	}{
		{
			name:      "no restrictions",
			offer:     func(o *domain.ServiceOffer) {},
			associate: "a-1",
			want:      Eligible,
		},
		{
			name:      "excluded",
			offer:     func(o *domain.ServiceOffer) { o.ExcludedAssociates = []string{"a-1"} },
			associate: "a-1",
			want:      Excluded,
		},
		{
			name: "excluded wins over preferred",
			offer: func(o *domain.ServiceOffer) {
				o.ExcludedAssociates = []string{"a-1"}
				o.PreferredAssociates = []string{"a-1"}
			},
			associate: "a-1",
			want:      Excluded,
		},
		{
			name:      "not on preferred list",
			offer:     func(o *domain.ServiceOffer) { o.PreferredAssociates = []string{"a-2"} },
			associate: "a-1",
			want:      NotPreferred,
		},
		{
			name:      "on preferred list",
			offer:     func(o *domain.ServiceOffer) { o.PreferredAssociates = []string{"a-2", "a-1"} },
			associate: "a-1",
			want:      Eligible,
		},
		{
			name:      "experience below minimum",
			offer:     func(o *domain.ServiceOffer) { o.MinimumExperienceLevel = 3 },
			associate: "a-1",
			profile:   domain.AssociateProfile{ExperienceLevel: 2},
			want:      InsufficientExperience,
		},
		{
			name:      "experience at minimum",
			offer:     func(o *domain.ServiceOffer) { o.MinimumExperienceLevel = 3 },
			associate: "a-1",
			profile:   domain.AssociateProfile{ExperienceLevel: 3},
			want:      Eligible,
		},
		{
			name:      "missing certification",
			offer:     func(o *domain.ServiceOffer) { o.RequiredCertifications = []string{"electrical", "safety"} },
			associate: "a-1",
			profile:   domain.AssociateProfile{Certifications: []string{"safety"}},
			want:      MissingCertification,
		},
		{
			name:      "all certifications held",
			offer:     func(o *domain.ServiceOffer) { o.RequiredCertifications = []string{"safety"} },
			associate: "a-1",
			profile:   domain.AssociateProfile{Certifications: []string{"safety", "forklift"}},
			want:      Eligible,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			offer := base
			tc.offer(&offer)
			got, ok := Check(offer, tc.associate, tc.profile)
			if got != tc.want {
				t.Fatalf("reason = %q, want %q", got, tc.want)
			}
			if ok != (tc.want == Eligible) {
				t.Fatalf("ok = %v for reason %q", ok, got)
			}
			if IsEligible(offer, tc.associate, tc.profile) != ok {
				t.Fatalf("IsEligible disagrees with Check")
			}
		})
	}
}

func TestMissingCertifications(t *testing.T) {
	offer := domain.ServiceOffer{RequiredCertifications: []string{"c", "a", "b"}}
	got := MissingCertifications(offer, domain.AssociateProfile{Certifications: []string{"b"}})
	if want := []string{"a", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("missing = %v, want %v", got, want)
	}
}

func TestFilter(t *testing.T) {
	offers := []domain.ServiceOffer{
		{ID: "open"},
		{ID: "excl", ExcludedAssociates: []string{"a-1"}},
		{ID: "senior", MinimumExperienceLevel: 5},
	}
	got := Filter(offers, "a-1", domain.AssociateProfile{ExperienceLevel: 1})
	if len(got) != 1 || got[0].ID != "open" {
		t.Fatalf("filtered = %+v", got)
	}
}

func TestErrorKind(t *testing.T) {
	err := Error(Excluded, "off-1", "a-1")
	if domain.KindOf(err) != domain.ErrNotEligible {
		t.Fatalf("kind = %q", domain.KindOf(err))
	}
}
