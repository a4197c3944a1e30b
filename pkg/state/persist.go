package state

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/ctld/pkg/log"
	"github.com/cuemby/ctld/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// Bucket names, one per entity. The per-entity state-save files
// (node_state, part_state, job_state) collapse into buckets of a single
// bbolt database file.
var (
	bucketMeta       = []byte("meta")
	bucketNodes      = []byte("nodes")
	bucketPartitions = []byte("partitions")
	bucketJobs       = []byte("jobs")
	bucketHeartbeat  = []byte("heartbeat")
)

const dbFileName = "ctld.db"

// The types.* records marshal directly; Bitmap's internal word slice is
// unexported but round-trips via its own MarshalJSON/UnmarshalJSON pair.
type savedJob = types.Job
type savedNode = types.Node

// Heartbeat is the shared liveness record: only the primary writes it,
// every standby reads it.
type Heartbeat struct {
	Timestamp time.Time
	ServerIdx int
}

// SaveAll serialises node, partition and job tables to dir, using the
// write-old-rename pattern applied at the whole-database-file level:
// write to "<name>.new", fsync, then rotate "<name>" -> "<name>.old"
// -> replaced by "<name>.new", so a reader never observes a torn file even
// if the process dies mid-publish.
func (s *Store) SaveAll(dir string) error {
	final := filepath.Join(dir, dbFileName)
	tmp := final + ".new"
	old := final + ".old"

	_ = os.Remove(tmp)
	db, err := bolt.Open(tmp, 0600, nil)
	if err != nil {
		return fmt.Errorf("state: open tmp db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketNodes, bucketPartitions, bucketJobs, bucketHeartbeat} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if err := meta.Put([]byte("saved_at"), mustJSON(time.Now())); err != nil {
			return err
		}

		nb := tx.Bucket(bucketNodes)
		for _, n := range s.nodes {
			if n == nil {
				continue
			}
			data, err := json.Marshal(n)
			if err != nil {
				return err
			}
			if err := nb.Put([]byte(n.Name), data); err != nil {
				return err
			}
		}

		pb := tx.Bucket(bucketPartitions)
		for _, p := range s.partitions {
			if p == nil {
				continue
			}
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if err := pb.Put([]byte(p.Name), data); err != nil {
				return err
			}
		}

		jb := tx.Bucket(bucketJobs)
		for _, j := range s.jobs {
			if j == nil {
				continue
			}
			data, err := json.Marshal(j)
			if err != nil {
				return err
			}
			if err := jb.Put(jobKey(j.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("state: write tmp db: %w", err)
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("state: close tmp db: %w", err)
	}

	_ = os.Remove(old)
	if _, err := os.Stat(final); err == nil {
		if err := os.Rename(final, old); err != nil {
			return fmt.Errorf("state: rotate old db: %w", err)
		}
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("state: publish new db: %w", err)
	}

	stateLog := log.WithComponent("state")
	stateLog.Debug().Str("dir", dir).Msg("state saved")
	return nil
}

// RecoveryLevel controls how much of a saved state file LoadAll restores:
// cold discards saved job/node state, partial recovers node down/drain
// states and reasons plus each partition's up/down state (no jobs), full
// recovers everything including jobs.
type RecoveryLevel int

const (
	RecoveryCold    RecoveryLevel = 0
	RecoveryPartial RecoveryLevel = 1
	RecoveryFull    RecoveryLevel = 2
)

// LoadAll merges persisted node/job state from dir into the already
// config-built tables in s, at the given recovery level. Nodes not present
// in the saved file (new nodes added by a reconfigure) are left at their
// freshly-built defaults. This is invoked by config.Reconcile step 5.
func (s *Store) LoadAll(dir string, level RecoveryLevel) error {
	if level == RecoveryCold {
		return nil
	}
	path := filepath.Join(dir, dbFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("state: open db: %w", err)
	}
	defer db.Close()

	return db.View(func(tx *bolt.Tx) error {
		if nb := tx.Bucket(bucketNodes); nb != nil {
			if err := nb.ForEach(func(k, v []byte) error {
				var saved savedNode
				if err := json.Unmarshal(v, &saved); err != nil {
					return err
				}
				n := s.LookupNode(saved.Name)
				if n == nil {
					return nil // node removed from config; drop its saved state
				}
				if level >= RecoveryPartial {
					n.BaseState = saved.BaseState
					n.Flags = saved.Flags
					n.Reason = saved.Reason
					n.ReasonAt = saved.ReasonAt
				}
				if level >= RecoveryFull {
					n.RunJobCnt = saved.RunJobCnt
					n.CompJobCnt = saved.CompJobCnt
					n.NoShareCnt = saved.NoShareCnt
					n.LastResp = saved.LastResp
				}
				return nil
			}); err != nil {
				return err
			}
		}

		if pb := tx.Bucket(bucketPartitions); pb != nil {
			if err := pb.ForEach(func(k, v []byte) error {
				var saved types.Partition
				if err := json.Unmarshal(v, &saved); err != nil {
					return err
				}
				// Membership comes from the freshly-parsed config; only the
				// administratively-set up/down state is merged back.
				if p := s.LookupPartition(saved.Name); p != nil {
					p.Up = saved.Up
				}
				return nil
			}); err != nil {
				return err
			}
		}

		if level < RecoveryFull {
			return nil
		}

		if jb := tx.Bucket(bucketJobs); jb != nil {
			if err := jb.ForEach(func(k, v []byte) error {
				var j savedJob
				if err := json.Unmarshal(v, &j); err != nil {
					return err
				}
				jc := j
				s.jobByID[jc.ID] = len(s.jobs)
				s.jobs = append(s.jobs, &jc)
				if jc.ID >= s.nextJobID {
					s.nextJobID = jc.ID + 1
				}
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteHeartbeat rewrites the shared heartbeat file, called by the
// background loop whenever primary saves state. Uses the same
// whole-file rename dance as SaveAll.
func WriteHeartbeat(dir string, serverIdx int) error {
	final := filepath.Join(dir, "heartbeat")
	tmp := final + ".new"

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(Heartbeat{Timestamp: time.Now(), ServerIdx: serverIdx}); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// ReadHeartbeat reads the shared heartbeat file written by whichever
// controller is currently primary.
func ReadHeartbeat(dir string) (Heartbeat, error) {
	data, err := os.ReadFile(filepath.Join(dir, "heartbeat"))
	if err != nil {
		return Heartbeat{}, err
	}
	var hb Heartbeat
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&hb); err != nil {
		return Heartbeat{}, err
	}
	return hb, nil
}

func jobKey(id int) []byte {
	return []byte(fmt.Sprintf("%010d", id))
}

func mustJSON(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}
