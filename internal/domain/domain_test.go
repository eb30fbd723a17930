package domain

import (
	"testing"
	"time"

	"github.com/juju/errors"
)

func TestNextAgreementStatus(t *testing.T) {
	cases := []struct {
		from   AgreementStatus
		action AgreementAction
		want   AgreementStatus
	}{
		{AgreementProposed, ActionApprove, AgreementAccepted},
		{AgreementProposed, ActionReject, AgreementCancelled},
		{AgreementProposed, ActionCancel, AgreementCancelled},
		{AgreementAccepted, ActionStart, AgreementActive},
		{AgreementAccepted, ActionCancel, AgreementCancelled},
		{AgreementActive, ActionComplete, AgreementCompleted},
	}
	for _, tc := range cases {
		got, err := NextAgreementStatus(tc.from, tc.action)
		if err != nil {
			t.Fatalf("%s from %s: %v", tc.action, tc.from, err)
		}
		if got != tc.want {
			t.Fatalf("%s from %s = %s, want %s", tc.action, tc.from, got, tc.want)
		}
	}
}

func TestNextAgreementStatusRejectsIllegal(t *testing.T) {
	legal := map[AgreementStatus]map[AgreementAction]bool{
		AgreementProposed: {ActionApprove: true, ActionReject: true, ActionCancel: true},
		AgreementAccepted: {ActionStart: true, ActionCancel: true},
		AgreementActive:   {ActionComplete: true},
	}
	for _, from := range AgreementStatuses {
		for _, action := range AgreementActions {
			if legal[from][action] {
				continue
			}
			_, err := NextAgreementStatus(from, action)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s from %s: err = %v", action, from, err)
			}
			var de *Error
			if !errors.As(err, &de) || de.State != string(from) || de.Action != string(action) {
				t.Fatalf("%s from %s: details = %+v", action, from, de)
			}
		}
	}
	if _, err := NextAgreementStatus(AgreementProposed, "renegotiate"); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown action err = %v", err)
	}
}

func TestRangeErrorsAreValidation(t *testing.T) {
	err := error(&Error{Kind: ErrOutOfRange, Field: "agreed_amount_cents"})
	if !errors.Is(err, ErrValidation) || !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("out of range should match both kinds")
	}
	if errors.Is(Conflictf("dup"), ErrValidation) {
		t.Fatalf("conflict matched validation")
	}
}

func TestKindOfThroughAnnotation(t *testing.T) {
	err := errors.Annotate(InvalidStatef("CANCELLED", "offer is cancelled"), "apply")
	if k := KindOf(err); k != ErrInvalidState {
		t.Fatalf("kind = %q", k)
	}
	if k := KindOf(errors.Trace(ErrCapacityExceeded)); k != ErrCapacityExceeded {
		t.Fatalf("bare kind = %q", k)
	}
	if k := KindOf(errors.New("disk full")); k != "" {
		t.Fatalf("unclassified kind = %q", k)
	}
	if Code(KindOf(errors.New("disk full"))) != "internal_error" {
		t.Fatalf("unclassified code")
	}
	if !Retryable(errors.Trace(ErrCapacityExceeded)) || Retryable(Conflictf("dup")) {
		t.Fatalf("retryable mismatch")
	}
}

func TestOfferCapacityAndExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exp := now.Add(time.Hour)
	o := ServiceOffer{MaxApplicants: 2, CurrentApplicants: 1, ExpiresAt: &exp}
	if !o.HasCapacity() {
		t.Fatalf("1 of 2 should have capacity")
	}
	o.CurrentApplicants = 2
	if o.HasCapacity() {
		t.Fatalf("2 of 2 should be full")
	}
	if o.ExpiredAt(exp) || !o.ExpiredAt(exp.Add(time.Second)) {
		t.Fatalf("expiry boundary wrong")
	}
	if (ServiceOffer{}).ExpiredAt(now) {
		t.Fatalf("offer without expiry expired")
	}
}
