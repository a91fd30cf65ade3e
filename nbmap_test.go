package nbmap

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestMain(m *testing.M) {
	RegisterThread()
	m.Run()
}

var allKinds = []struct {
	name string
	kind Kind
}{
	{"list", List},
	{"skiplist", Skiplist},
	{"hashtable", HashTable},
}

func TestNew(t *testing.T) {
	for _, k := range allKinds {
		t.Run(k.name, func(t *testing.T) {
			m, err := New(k.kind, nil)
			require.NoError(t, err)
			require.NotNil(t, m)
			m.Free()
		})
	}

	t.Run("invalid kind", func(t *testing.T) {
		_, err := New(Kind(42), nil)
		require.ErrorIs(t, err, ErrInvalidKind)
	})
}

// TestStringKeyedList runs the canonical byte-string scenario against the
// list: add, get, set, conflicting add, remove, count.
func TestStringKeyedList(t *testing.T) {
	m, err := New(List, ByteStringKeys)
	require.NoError(t, err)
	defer m.Free()

	a := MakeKey([]byte("a"))
	b := MakeKey([]byte("b"))
	defer ReleaseKey(a)
	defer ReleaseKey(b)

	require.Equal(t, DoesNotExist, m.Add(a, 10))
	require.Equal(t, DoesNotExist, m.Add(b, 20))
	require.Equal(t, uint64(20), m.Get(b))
	require.Equal(t, uint64(10), m.Set(a, 11))
	require.Equal(t, uint64(20), m.Add(b, 22), "second add must report the existing value")
	require.Equal(t, uint64(11), m.Remove(a))
	require.Equal(t, DoesNotExist, m.Get(a))
	require.Equal(t, uint64(1), m.Count())
}

// TestSkiplistScenario covers ordered iteration and the minimum key.
func TestSkiplistScenario(t *testing.T) {
	m, err := New(Skiplist, nil)
	require.NoError(t, err)
	defer m.Free()

	for _, k := range []uint64{1, 2, 3} {
		require.Equal(t, DoesNotExist, m.Add(k, k))
	}

	it := m.IterBegin(DoesNotExist)
	var got [][2]uint64
	for {
		k, v := it.Next()
		if v == DoesNotExist {
			break
		}
		got = append(got, [2]uint64{k, v})
	}
	it.Free()
	require.Equal(t, [][2]uint64{{1, 1}, {2, 2}, {3, 3}}, got)
	require.Equal(t, uint64(1), m.MinKey())
}

func TestMinKeyUnsupportedOnHashTable(t *testing.T) {
	m, err := New(HashTable, nil)
	require.NoError(t, err)
	require.Equal(t, ErrorUnsupportedFeature, m.MinKey())
}

func TestReservedArguments(t *testing.T) {
	m, err := New(HashTable, nil)
	require.NoError(t, err)

	require.Equal(t, ErrorInvalidArgument, m.Set(0, 1), "integer key 0 is reserved on the hash table")
	require.Equal(t, ErrorInvalidArgument, m.Set(1, DoesNotExist), "storing DoesNotExist is a remove, not a set")
	require.Equal(t, ErrorInvalidArgument, m.Set(1, Tag1|5), "Tag1 values are reserved")
}

// TestMapLaws checks the algebraic laws on every implementation with
// randomized operation sequences against a model map.
func TestMapLaws(t *testing.T) {
	for _, k := range allKinds {
		t.Run(k.name, func(t *testing.T) {
			rapid.Check(t, func(rt *rapid.T) {
				m, err := New(k.kind, nil)
				require.NoError(t, err)

				model := map[uint64]uint64{}
				keyGen := rapid.Uint64Range(1, 64)
				valGen := rapid.Uint64Range(1, 1<<40)

				steps := rapid.IntRange(1, 60).Draw(rt, "steps")
				for i := 0; i < steps; i++ {
					key := keyGen.Draw(rt, "key")
					switch rapid.IntRange(0, 4).Draw(rt, "op") {
					case 0: // add
						v := valGen.Draw(rt, "v")
						prev := m.Add(key, v)
						if old, ok := model[key]; ok {
							if prev != old {
								rt.Fatalf("add(%d) = %d, want existing %d", key, prev, old)
							}
						} else {
							if prev != DoesNotExist {
								rt.Fatalf("add(%d) = %d, want DoesNotExist", key, prev)
							}
							model[key] = v
						}
					case 1: // set
						v := valGen.Draw(rt, "v")
						prev := m.Set(key, v)
						if old, ok := model[key]; ok && prev != old {
							rt.Fatalf("set(%d) returned %d, want %d", key, prev, old)
						}
						model[key] = v
					case 2: // replace
						v := valGen.Draw(rt, "v")
						prev := m.Replace(key, v)
						if old, ok := model[key]; ok {
							if prev != old {
								rt.Fatalf("replace(%d) = %d, want %d", key, prev, old)
							}
							model[key] = v
						} else if prev != DoesNotExist {
							rt.Fatalf("replace(%d) = %d on absent key", key, prev)
						}
					case 3: // cas with exact expectation
						v := valGen.Draw(rt, "v")
						exp := valGen.Draw(rt, "exp")
						prev := m.CAS(key, exp, v)
						old, ok := model[key]
						if !ok {
							if prev != DoesNotExist {
								rt.Fatalf("cas(%d) = %d on absent key", key, prev)
							}
						} else {
							if prev != old {
								rt.Fatalf("cas(%d) = %d, want observed %d", key, prev, old)
							}
							if exp == old {
								model[key] = v
							}
						}
					case 4: // remove
						prev := m.Remove(key)
						if old, ok := model[key]; ok {
							if prev != old {
								rt.Fatalf("remove(%d) = %d, want %d", key, prev, old)
							}
							delete(model, key)
						} else if prev != DoesNotExist {
							rt.Fatalf("remove(%d) = %d on absent key", key, prev)
						}
					}
				}

				// Quiescent agreement: every model entry is readable and
				// the count matches exactly.
				for key, v := range model {
					if got := m.Get(key); got != v {
						rt.Fatalf("get(%d) = %d, want %d", key, got, v)
					}
				}
				if c := m.Count(); c != uint64(len(model)) {
					rt.Fatalf("count = %d, want %d", c, len(model))
				}
				m.Free()
			})
		})
	}
}

// TestEvenOddWorkload is the alternating concurrent insert/remove workload:
// two workers own disjoint halves of the key space, with global quiescence
// between rounds.
func TestEvenOddWorkload(t *testing.T) {
	for _, kc := range allKinds {
		t.Run(kc.name, func(t *testing.T) {
			m, err := New(kc.kind, nil)
			require.NoError(t, err)

			const n = 1000
			const rounds = 10

			// Two long-lived workers own the odd and even halves of the
			// key space; each round they insert their half, then remove
			// it, with the main thread verifying at the quiescent points
			// in between.
			const (
				phaseInsert = iota
				phaseRemove
			)
			type worker struct {
				cmds chan int
				errs chan error
			}
			workers := [2]worker{}
			for parity := uint64(0); parity < 2; parity++ {
				w := worker{cmds: make(chan int), errs: make(chan error)}
				workers[parity] = w
				go func(parity uint64) {
					RegisterThread()
					for phase := range w.cmds {
						var err error
						for k := parity + 1; k <= n && err == nil; k += 2 {
							switch phase {
							case phaseInsert:
								if prev := m.Add(k, k); prev != DoesNotExist {
									err = fmt.Errorf("add(%d) found %d", k, prev)
								}
							case phaseRemove:
								if prev := m.Remove(k); prev != k {
									err = fmt.Errorf("remove(%d) found %d", k, prev)
								}
							}
							if k%256 == 0 {
								Quiesce()
							}
						}
						Quiesce()
						w.errs <- err
					}
				}(parity)
			}
			runPhase := func(phase int) {
				for _, w := range workers {
					w.cmds <- phase
				}
				for _, w := range workers {
					require.NoError(t, <-w.errs)
				}
			}

			for round := 0; round < rounds; round++ {
				runPhase(phaseInsert)
				require.Equal(t, uint64(n), m.Count(), "round %d after inserts", round)
				for k := uint64(1); k <= n; k++ {
					require.Equal(t, k, m.Get(k))
				}
				runPhase(phaseRemove)
				Quiesce()
				require.Zero(t, m.Count(), "round %d after removes", round)
			}
			for _, w := range workers {
				close(w.cmds)
			}
		})
	}
}

func TestPrint(t *testing.T) {
	m, err := New(Skiplist, nil)
	require.NoError(t, err)
	defer m.Free()
	m.Set(3, 33)
	var buf bytes.Buffer
	m.Print(&buf)
	require.Contains(t, buf.String(), "skiplist")
}

func TestKeyBytes(t *testing.T) {
	k := MakeKey([]byte("payload"))
	require.Equal(t, []byte("payload"), KeyBytes(k))
	ReleaseKey(k)
}
