package catalog

import "testing"

func TestLicensePoolValidateRejectsOverAvailability(t *testing.T) {
	pool := LicensePool{LicensesOwned: 2, LicensesAvailable: 3}
	if err := pool.Validate(); err == nil {
		t.Fatal("expected invariant violation when available > owned")
	}
}

func TestLicensePoolValidateAllowsUnlimitedAccess(t *testing.T) {
	pool := LicensePool{UnlimitedAccess: true, LicensesOwned: 0, LicensesAvailable: 9999}
	if err := pool.Validate(); err != nil {
		t.Fatalf("unlimited-access pool should not be bound by the invariant: %v", err)
	}
}

func TestLicensePoolValidateAllowsEqual(t *testing.T) {
	pool := LicensePool{LicensesOwned: 5, LicensesAvailable: 5}
	if err := pool.Validate(); err != nil {
		t.Fatalf("available == owned should be valid: %v", err)
	}
}

func TestEditionPrimaryAuthorPrefersAuthorRole(t *testing.T) {
	e := Edition{Contributions: []Contribution{
		{ContributorName: "Editor Person", Role: RoleEditor},
		{ContributorName: "Author Person", Role: RoleAuthor},
	}}
	c, ok := e.PrimaryAuthor()
	if !ok || c.ContributorName != "Author Person" {
		t.Errorf("PrimaryAuthor = %+v, ok=%v, want Author Person", c, ok)
	}
}

func TestEditionPrimaryAuthorFallsBackToSubstitute(t *testing.T) {
	e := Edition{Contributions: []Contribution{
		{ContributorName: "Only Editor", Role: RoleEditor},
	}}
	c, ok := e.PrimaryAuthor()
	if !ok || c.ContributorName != "Only Editor" {
		t.Errorf("PrimaryAuthor = %+v, ok=%v, want fallback to Only Editor", c, ok)
	}
}

func TestPatronDataIsBlocked(t *testing.T) {
	if (PatronData{}).IsBlocked() {
		t.Error("zero-value PatronData should not be blocked")
	}
	if !(PatronData{BlockReason: BlockExcessiveFines}).IsBlocked() {
		t.Error("PatronData with a block reason should be blocked")
	}
}
