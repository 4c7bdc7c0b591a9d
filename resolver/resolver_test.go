package resolver

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raniellyferreira/redis-failover/conn"
)

func eps(addrs ...string) []conn.Endpoint {
	out, err := conn.ParseEndpoints(addrs...)
	if err != nil {
		panic(err)
	}
	return out
}

func TestCreateMasterClient(t *testing.T) {
	r := NewBasicResolver(eps("m1:6379", "m2:6379"), nil)

	for i, want := range []string{"m1", "m2", "m1"} {
		ep, err := r.CreateMasterClient(i)
		require.NoError(t, err)
		assert.Equal(t, want, ep.Host)
	}

	ep, err := r.CreateMasterClient(-1)
	require.NoError(t, err)
	assert.Equal(t, "m2", ep.Host, "negative indexes wrap")
}

func TestNoMasterAvailable(t *testing.T) {
	r := NewBasicResolver(nil, nil)

	_, err := r.CreateMasterClient(0)
	assert.ErrorIs(t, err, ErrNoMasterAvailable)

	_, err = r.CreateSlaveClient(0)
	assert.ErrorIs(t, err, ErrNoMasterAvailable)
}

func TestCreateSlaveClientFallsBackToMaster(t *testing.T) {
	r := NewBasicResolver(eps("m1:6379"), nil)

	for i := 0; i < 3; i++ {
		ep, err := r.CreateSlaveClient(r.NextReadIndex())
		require.NoError(t, err)
		assert.Equal(t, "m1", ep.Host)
	}
}

func TestReadRoundRobin(t *testing.T) {
	r := NewBasicResolver(nil, nil)
	r.ResetMasters(eps("a:1"))
	r.ResetSlaves(eps("b:1", "c:1"))

	var got []string
	for i := 0; i < 5; i++ {
		ep, err := r.CreateSlaveClient(r.NextReadIndex())
		require.NoError(t, err)
		got = append(got, ep.Host)
	}
	assert.Equal(t, []string{"b", "c", "b", "c", "b"}, got)
}

func TestCursorSurvivesTopologyChange(t *testing.T) {
	r := NewBasicResolver(eps("a:1"), eps("b:1", "c:1"))
	r.NextReadIndex()
	r.NextReadIndex()
	r.NextReadIndex()

	r.ResetSlaves(eps("x:1", "y:1", "z:1"))
	assert.Equal(t, 3, r.NextReadIndex(), "reset must not rewind the cursor")
}

func TestResetCopiesInput(t *testing.T) {
	in := eps("a:1")
	r := NewBasicResolver(in, nil)
	in[0] = conn.NewEndpoint("mutated", 1)

	out := r.Masters()
	assert.Equal(t, "a", out[0].Host)

	out[0] = conn.NewEndpoint("mutated", 1)
	assert.Equal(t, "a", r.Masters()[0].Host)
}

func TestTopology(t *testing.T) {
	a := Topology{Masters: eps("m:1"), Replicas: eps("r1:1", "r2:1")}
	b := Topology{Masters: eps("m:1?password=x"), Replicas: eps("r1:1", "r2:1")}
	c := Topology{Masters: eps("m:1"), Replicas: eps("r2:1", "r1:1")}

	assert.True(t, a.Equal(b), "credentials do not change identity")
	assert.False(t, a.Equal(c), "order matters")
	assert.True(t, a.Contains(conn.NewEndpoint("r2", 1)))
	assert.False(t, a.Contains(conn.NewEndpoint("m", 2)))
	assert.Equal(t, "m:1 | r1:1,r2:1", a.String())

	r := NewBasicResolver(a.Masters, a.Replicas)
	assert.True(t, Current(r).Equal(a))
}

// readers must always observe either the old or the new list in full
func TestConcurrentResetIsAtomic(t *testing.T) {
	oldSet := eps("o1:1", "o2:1")
	newSet := eps("n1:1", "n2:1")
	r := NewBasicResolver(eps("m:1"), oldSet)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				r.ResetSlaves(newSet)
			} else {
				r.ResetSlaves(oldSet)
			}
		}
	}()

	for i := 0; i < 5000; i++ {
		reps := r.Replicas()
		require.Len(t, reps, 2)
		assert.Equal(t, reps[0].Host[0], reps[1].Host[0], "mixed topology %v", reps)
	}
	close(stop)
	wg.Wait()
}
