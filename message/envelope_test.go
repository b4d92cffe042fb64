package message

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strtrek/babelor-engine/address"
)

// stepClock returns a clock advancing one second per call.
func stepClock() func() time.Time {
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Now = stepClock()
	return cfg
}

func TestNewEnvelopeIsEmpty(t *testing.T) {
	e := New(Config{})
	assert.Equal(t, 0, e.Nums())
	assert.Nil(t, e.Origination())
	assert.Nil(t, e.Destination())
	assert.Equal(t, DefaultCoding, e.Config().Coding)
	assert.False(t, e.Timestamp().IsZero())

	_, err := e.ReadDatum(0)
	assert.True(t, errors.Is(err, ErrIndexOutOfRange))
}

func TestAddAndReadDatum(t *testing.T) {
	e := New(testConfig())
	e.AddText("hello", "subject").AddBytes([]byte("binary-bytes"), "att.bin")

	require.Equal(t, 2, e.Nums())

	d, err := e.ReadDatum(0)
	require.NoError(t, err)
	assert.Equal(t, "hello", d.Payload.String())
	assert.Equal(t, DTypeText, d.Payload.Type())
	assert.Equal(t, "subject", d.Path)
	assert.Equal(t, DefaultCoding, d.Coding)

	d, err = e.ReadDatum(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("binary-bytes"), d.Payload.Bytes())
	assert.Equal(t, "att.bin", d.Path)

	_, err = e.ReadDatum(2)
	assert.True(t, errors.Is(err, ErrIndexOutOfRange))
	_, err = e.ReadDatum(-1)
	assert.True(t, errors.Is(err, ErrIndexOutOfRange))
}

func TestNullDatum(t *testing.T) {
	e := New(testConfig()).AddNull("missing.txt")
	require.Equal(t, 1, e.Nums())

	d, err := e.ReadDatum(0)
	require.NoError(t, err)
	assert.True(t, d.Payload.IsNull())
	assert.Equal(t, "missing.txt", d.Path)
	assert.Empty(t, d.Coding)
}

func TestDuplicatePathsAllowed(t *testing.T) {
	e := New(testConfig()).AddText("a", "col").AddText("b", "col")
	data, err := e.Data()
	require.NoError(t, err)
	require.Len(t, data, 2)
	assert.Equal(t, "a", data[0].Payload.String())
	assert.Equal(t, "b", data[1].Payload.String())
}

func TestDeleteDatum(t *testing.T) {
	e := New(testConfig())
	require.NoError(t, e.DeleteDatum(0), "delete on empty envelope is a no-op")
	require.NoError(t, e.DeleteDatum(5), "delete on empty envelope is a no-op")

	e.AddText("a", "1").AddText("b", "2").AddText("c", "3")
	require.NoError(t, e.DeleteDatum(1))
	assert.Equal(t, 2, e.Nums())

	d, _ := e.ReadDatum(1)
	assert.Equal(t, "c", d.Payload.String())

	err := e.DeleteDatum(2)
	assert.True(t, errors.Is(err, ErrIndexOutOfRange))
	assert.Equal(t, 2, e.Nums())

	require.NoError(t, e.DeleteDatum(0))
	require.NoError(t, e.DeleteDatum(0))
	assert.Equal(t, 0, e.Nums())
}

func TestMutationsRefreshTimestamp(t *testing.T) {
	e := New(testConfig())
	dst := address.MustParse("tcp://host:3002/treater")

	mutations := []struct {
		name string
		fn   func()
	}{
		{"add", func() { e.AddText("x", "x") }},
		{"origination", func() { e.SetOrigination(dst) }},
		{"destination", func() { e.SetDestination(dst) }},
		{"treatment", func() { e.SetTreatment(dst) }},
		{"encryption", func() { e.SetEncryption(dst) }},
		{"case", func() { e.SetCase("case-42") }},
		{"activity", func() { e.SetActivity("step-1") }},
		{"swap", func() { e.Swap() }},
		{"forward", func() { e.Forward(dst) }},
		{"delete", func() { _ = e.DeleteDatum(0) }},
	}
	for _, m := range mutations {
		before := e.Timestamp()
		m.fn()
		assert.True(t, e.Timestamp().After(before), "%s must refresh the timestamp", m.name)
	}

	fixed := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	e.SetTimestamp(fixed)
	assert.Equal(t, fixed, e.Timestamp())
}

func TestSwapIsInvolution(t *testing.T) {
	src := address.MustParse("tcp://host:3001/sender")
	dst := address.MustParse("tcp://host:3002/treater")
	e := New(testConfig()).SetOrigination(src).SetDestination(dst)

	e.Swap()
	assert.True(t, dst.Equal(e.Origination()))
	assert.True(t, src.Equal(e.Destination()))

	e.Swap()
	assert.True(t, src.Equal(e.Origination()))
	assert.True(t, dst.Equal(e.Destination()))
}

func TestForwardChainsHops(t *testing.T) {
	a := address.MustParse("tcp://host:3001/sender")
	b := address.MustParse("tcp://host:3002/treater")
	c := address.MustParse("tcp://host:3003/encrypter")
	d := address.MustParse("tcp://host:3004/receiver")

	e := New(testConfig()).SetOrigination(a).SetDestination(b)
	e.Forward(c).Forward(d)

	assert.True(t, c.Equal(e.Origination()))
	assert.True(t, d.Equal(e.Destination()))
}

func TestAddressesAreNotAliased(t *testing.T) {
	dst := address.MustParse("tcp://host:3002/treater")
	one := New(testConfig()).SetDestination(dst)
	two := New(testConfig()).SetDestination(dst)

	dst.SetHostname("elsewhere")
	assert.Equal(t, "host", one.Destination().Hostname())

	got := one.Destination()
	got.SetPort(1)
	port, _ := one.Destination().Port()
	assert.Equal(t, 3002, port)
	assert.True(t, one.Destination().Equal(two.Destination()))
}

func TestReply(t *testing.T) {
	src := address.MustParse("tcp://host:3001")
	dst := address.MustParse("tcp://host:3004")
	e := New(testConfig()).
		SetOrigination(src).
		SetDestination(dst).
		SetTreatment(address.MustParse("tcp://host:3002")).
		SetCase("case-1").
		AddText("x", "x")

	e.Reply()
	assert.Equal(t, 0, e.Nums())
	assert.Nil(t, e.Treatment())
	assert.Equal(t, "case-1", e.Case())
	assert.True(t, dst.Equal(e.Origination()))
	assert.True(t, src.Equal(e.Destination()))
}

func TestSuccessReply(t *testing.T) {
	src := address.MustParse("tcp://host:3001/sender")
	dst := address.MustParse("tcp://host:3004/receiver")

	for _, ok := range []bool{true, false} {
		e := New(testConfig()).
			SetOrigination(src).
			SetDestination(dst).
			SetEncryption(address.MustParse("tcp://host:3003")).
			SetCase("case-9").
			AddText("payload", "a.txt").
			AddBytes([]byte{1}, "b.bin")
		assert.False(t, e.Succeeded())

		e.SuccessReply(ok)
		require.Equal(t, 1, e.Nums())
		d, err := e.ReadDatum(0)
		require.NoError(t, err)
		assert.Equal(t, SuccessLabel, d.Path)
		assert.Equal(t, ok, e.Succeeded())
		assert.Nil(t, e.Encryption())
		assert.Equal(t, "case-9", e.Case())
		assert.True(t, src.Equal(e.Destination()))

		data, err := Marshal(e, FormatJSON)
		require.NoError(t, err)
		got, err := Unmarshal(data, FormatJSON, testConfig())
		require.NoError(t, err)
		assert.Equal(t, ok, got.Succeeded())
	}

	assert.False(t, New(testConfig()).AddBytes([]byte("true"), SuccessLabel).Succeeded())
	assert.False(t, New(testConfig()).AddText("maybe", SuccessLabel).Succeeded())
}

func TestCloneIsIndependent(t *testing.T) {
	e := New(testConfig()).AddText("a", "1").SetDestination(address.MustParse("tcp://h:1"))
	c := e.Clone()
	c.AddText("b", "2")
	require.NoError(t, c.DeleteDatum(0))
	c.SetDestination(nil)

	assert.Equal(t, 1, e.Nums())
	d, _ := e.ReadDatum(0)
	assert.Equal(t, "a", d.Payload.String())
	assert.NotNil(t, e.Destination())
}

func TestCopyHead(t *testing.T) {
	e := New(testConfig()).
		SetDestination(address.MustParse("tcp://h:1")).
		SetCase("c").
		AddText("a", "1")
	h := e.CopyHead()

	assert.Equal(t, 0, h.Nums())
	assert.Equal(t, "c", h.Case())
	assert.True(t, e.Destination().Equal(h.Destination()))
	assert.Equal(t, 1, e.Nums())
}

func TestNewCaseID(t *testing.T) {
	a, b := NewCaseID(), NewCaseID()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}

// TestNumsTracksUnits checks Nums() against a model for any add/delete sequence.
func TestNumsTracksUnits(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("nums equals held units", prop.ForAll(
		func(ops []int) bool {
			e := New(testConfig())
			var model []string
			for i, op := range ops {
				if op >= 0 {
					label := string(rune('a' + i%26))
					e.AddText(label, label)
					model = append(model, label)
					continue
				}
				idx := -op - 1
				err := e.DeleteDatum(idx)
				switch {
				case len(model) == 0:
					if err != nil {
						return false
					}
				case idx < len(model):
					if err != nil {
						return false
					}
					model = append(model[:idx], model[idx+1:]...)
				default:
					if !errors.Is(err, ErrIndexOutOfRange) {
						return false
					}
				}
				if e.Nums() != len(model) {
					return false
				}
			}
			if e.Nums() != len(model) {
				return false
			}
			for i, want := range model {
				d, err := e.ReadDatum(i)
				if err != nil || d.Path != want {
					return false
				}
			}
			_, err := e.ReadDatum(len(model))
			return errors.Is(err, ErrIndexOutOfRange)
		},
		gen.SliceOf(gen.IntRange(-4, 3)),
	))

	properties.TestingRun(t)
}
