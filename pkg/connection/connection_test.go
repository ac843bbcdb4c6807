package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProduceRequiresMarkValid(t *testing.T) {
	c := New(Config{Name: "tx0", Role: RoleProducer, Length: 4})
	c.Prepare()

	dst := make([]byte, 4)
	ready := c.Produce(dst, []byte{1, 2, 3, 4})
	assert.False(t, ready)
	assert.Equal(t, Stopping, c.State())

	c.Prepare()
	c.MarkValid()
	ready = c.Produce(dst, []byte{1, 2, 3, 4})
	assert.True(t, ready)
	assert.Equal(t, []byte{1, 2, 3, 4}, dst)
	assert.Equal(t, Producing, c.State())
}

func TestConsumeMissCounterTripsError(t *testing.T) {
	c := New(Config{Name: "rx0", Role: RoleConsumer, Length: 2, AcceptedLosses: 2, Slave: 3})
	dst := make([]byte, 2)

	for i := 0; i < 2; i++ {
		c.Prepare()
		err := c.Consume(dst, nil, false, false)
		require.NoError(t, err)
	}
	c.Prepare()
	err := c.Consume(dst, nil, false, false)
	require.Error(t, err)
	assert.Equal(t, Error, c.State())

	c.ClearError()
	assert.Equal(t, Ready, c.State())
	assert.Equal(t, 0, c.MissCount())
}

func TestConsumeResetsMissCounterOnGoodFrame(t *testing.T) {
	c := New(Config{Name: "rx1", Role: RoleConsumer, Length: 2, AcceptedLosses: 1})
	dst := make([]byte, 2)

	c.Prepare()
	require.NoError(t, c.Consume(dst, nil, false, false))
	assert.Equal(t, 1, c.MissCount())

	c.Prepare()
	require.NoError(t, c.Consume(dst, []byte{9, 9}, true, true))
	assert.Equal(t, []byte{9, 9}, dst)
	assert.Equal(t, 0, c.MissCount())
}

func TestCycleMultipleSkipsIntermediateCycles(t *testing.T) {
	c := New(Config{Name: "tx-slow", Role: RoleProducer, Length: 2, CycleMultiple: 3})
	dst := make([]byte, 2)

	producedCycles := 0
	for i := 0; i < 6; i++ {
		c.Prepare()
		c.MarkValid()
		if c.Produce(dst, []byte{byte(i), byte(i)}) {
			producedCycles++
		}
	}
	assert.Equal(t, 2, producedCycles)
}

func TestTableAddRejectsDuplicateName(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Add(Config{Name: "a", Length: 2})
	require.NoError(t, err)
	_, err = tbl.Add(Config{Name: "a", Length: 2})
	assert.Error(t, err)
	assert.Len(t, tbl.All(), 1)
}
