package cyclic

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/go-sercos/master/pkg/connection"
)

type fakeSVC struct{ advances int32 }

func (f *fakeSVC) Advance(slave int, statusWord, errorCode uint16, readBuf []byte) (uint16, []byte) {
	atomic.AddInt32(&f.advances, 1)
	return 0, nil
}

func TestEngineRunsGlobalThenPerSlaveCallbacks(t *testing.T) {
	var order []string
	tbl := connection.NewTable()
	svcFake := &fakeSVC{}

	e := NewEngine(Options{
		Period:     5 * time.Millisecond,
		SlaveCount: 2,
		Table:      tbl,
		SVC:        svcFake,
	})
	e.OnCycle(func(slave int) { order = append(order, "global") })
	e.OnSlaveCycle(func(slave int) { order = append(order, "slave") })

	e.tick(time.Now().Add(time.Second))

	assert.Equal(t, []string{"global", "slave", "slave"}, order)
	assert.EqualValues(t, 2, svcFake.advances)
	assert.EqualValues(t, 1, e.Stats().Cycles)
}

func TestEngineStartStop(t *testing.T) {
	e := NewEngine(Options{Period: time.Millisecond, SlaveCount: 1})
	e.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	e.Close()
	assert.Greater(t, e.Stats().Cycles, uint64(0))
}

func TestPrepareClearsConnectionValidity(t *testing.T) {
	tbl := connection.NewTable()
	c, _ := tbl.Add(connection.Config{Name: "tx0", Role: connection.RoleProducer, Length: 2})
	c.Prepare()
	c.MarkValid()

	e := NewEngine(Options{Period: time.Second, SlaveCount: 0, Table: tbl})
	e.tick(time.Now().Add(time.Second))

	dst := make([]byte, 2)
	ready := c.Produce(dst, []byte{1, 2})
	assert.False(t, ready, "mark_valid from before prepare should not carry over")
}
