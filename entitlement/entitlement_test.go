package entitlement_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle/entitlement"
)

var now = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func TestNewFree(t *testing.T) {
	e := entitlement.NewFree("u1", now)

	assert.True(t, strings.HasPrefix(e.ID, "ent_"))
	assert.Equal(t, "u1", e.UserID)
	assert.Equal(t, entitlement.TierFree, e.Tier)
	assert.Equal(t, entitlement.StatusActive, e.Status)
	assert.Equal(t, 10, e.BookLimit)
	assert.Equal(t, 0, e.BooksRead)
	assert.True(t, e.AutoRenew)
	assert.Equal(t, now.AddDate(100, 0, 0), e.EndDate)
	require.NotNil(t, e.LastLimitIncrease)
	assert.Equal(t, now, *e.LastLimitIncrease)
	assert.Equal(t, entitlement.CurrentSchemaVersion, e.SchemaVersion)
	assert.False(t, e.IsCanonical())
}

func TestNewFreeTwiceYieldsDistinctRecords(t *testing.T) {
	a := entitlement.NewFree("u1", now)
	b := entitlement.NewFree("u1", now)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestIsActive(t *testing.T) {
	e := entitlement.NewFree("u1", now)
	assert.True(t, e.IsActive(now))

	e.EndDate = now
	assert.False(t, e.IsActive(now))

	e.EndDate = now.Add(time.Hour)
	e.Status = entitlement.StatusCancelled
	assert.False(t, e.IsActive(now))
}

func TestOwnerFallsBackToID(t *testing.T) {
	e := &entitlement.Entitlement{ID: "legacy"}
	assert.Equal(t, "legacy", e.Owner())
	e.UserID = "u9"
	assert.Equal(t, "u9", e.Owner())
}

func TestCloneIsDeep(t *testing.T) {
	e := entitlement.NewFree("u1", now)
	c := e.Clone()
	*c.LastLimitIncrease = now.Add(time.Hour)
	assert.Equal(t, now, *e.LastLimitIncrease)
}

func TestParseTier(t *testing.T) {
	tier, err := entitlement.ParseTier("premium")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPremium, tier)

	_, err = entitlement.ParseTier("gold")
	assert.Error(t, err)
}

func TestPatch(t *testing.T) {
	e := entitlement.NewFree("u1", now)
	later := now.Add(24 * time.Hour)

	p := entitlement.Patch{
		BookLimit:         entitlement.Ptr(11),
		LastLimitIncrease: entitlement.Ptr(later),
	}
	assert.False(t, p.IsEmpty())
	assert.Equal(t, map[string]any{
		entitlement.FieldBookLimit:         11,
		entitlement.FieldLastLimitIncrease: later,
	}, p.Fields())

	p.ApplyTo(e, later)
	assert.Equal(t, 11, e.BookLimit)
	assert.Equal(t, later, *e.LastLimitIncrease)
	assert.Equal(t, later, e.UpdatedAt)
	assert.Equal(t, entitlement.TierFree, e.Tier)

	assert.True(t, entitlement.Patch{}.IsEmpty())
}

func TestMutationValidate(t *testing.T) {
	e := entitlement.NewFree("u1", now)

	assert.NoError(t, entitlement.CreateOf(e).Validate())
	assert.NoError(t, entitlement.SetOf(e.ID, e).Validate())
	assert.NoError(t, entitlement.DeleteOf("x").Validate())
	assert.NoError(t, entitlement.UpdateOf("x", entitlement.Patch{BooksRead: entitlement.Ptr(1)}).Validate())

	assert.Error(t, entitlement.DeleteOf("").Validate())
	assert.Error(t, entitlement.UpdateOf("x", entitlement.Patch{}).Validate())
	assert.Error(t, entitlement.SetOf("other", e).Validate())
	assert.Error(t, entitlement.Mutation{Op: entitlement.OpSet, ID: "x"}.Validate())
	assert.Error(t, entitlement.Mutation{Op: "upsert", ID: "x"}.Validate())

	err := entitlement.ValidateGroup([]entitlement.Mutation{
		entitlement.DeleteOf("a"),
		entitlement.DeleteOf(""),
	})
	assert.Error(t, err)
}
