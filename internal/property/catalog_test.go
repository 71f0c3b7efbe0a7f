package property

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookup(t *testing.T) {
	c := NewCatalog()
	id, err := c.Register("country", TypeText, false, true)
	require.NoError(t, err)
	require.GreaterOrEqual(t, id, ReservedMax)

	p, ok := c.Lookup("country")
	require.True(t, ok)
	require.Equal(t, id, p.ID)
	require.Equal(t, TypeText, p.Type)
	require.True(t, p.IsCustomerProperty)
}

func TestRegisterIsIdempotentForMatchingShape(t *testing.T) {
	c := NewCatalog()
	id1, err := c.Register("sku", TypeText, false, false)
	require.NoError(t, err)
	id2, err := c.Register("sku", TypeText, false, false)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestRegisterRejectsTypeMismatch(t *testing.T) {
	c := NewCatalog()
	_, err := c.Register("amount", TypeInt, false, false)
	require.NoError(t, err)
	_, err = c.Register("amount", TypeDouble, false, false)
	require.ErrorIs(t, err, ErrTypeMismatch)
}

func TestRegisterRejectsInvalidIdentifier(t *testing.T) {
	c := NewCatalog()
	_, err := c.Register("1bad", TypeInt, false, false)
	require.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestDeleteFreesNameAndId(t *testing.T) {
	c := NewCatalog()
	id, err := c.Register("temp", TypeBool, false, false)
	require.NoError(t, err)
	require.NoError(t, c.Delete(id))

	_, ok := c.Lookup("temp")
	require.False(t, ok)

	id2, err := c.Register("temp2", TypeBool, false, false)
	require.NoError(t, err)
	require.Equal(t, id, id2)
}

func TestIndexableExcludesStampAndOmitRange(t *testing.T) {
	require.False(t, Indexable(Stamp))
	require.False(t, Indexable(OmitFirst))
	require.False(t, Indexable(OmitLast))
	require.True(t, Indexable(EventName))
	require.True(t, Indexable(ReservedMax))
}

func TestIsIndexableReflectsDeletion(t *testing.T) {
	c := NewCatalog()
	id, err := c.Register("country", TypeText, false, true)
	require.NoError(t, err)
	require.True(t, c.IsIndexable(id))
	require.NoError(t, c.Delete(id))
	require.False(t, c.IsIndexable(id))
}
