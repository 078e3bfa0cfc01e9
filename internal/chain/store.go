package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/file-backup-utility/internal/fingerprint"
	"github.com/rowjay/file-backup-utility/internal/snapshot"
	"github.com/rowjay/file-backup-utility/internal/storage"
	"github.com/rowjay/file-backup-utility/internal/util"
)

var (
	// ErrConflictingSequence is returned when append attempts keep losing the
	// race for the next sequence number. Callers may retry the whole append.
	ErrConflictingSequence = errors.New("conflicting sequence number")

	// ErrBrokenChain is returned when a change-set referenced by the chain is
	// missing or corrupt. Restoration must fail rather than under-restore.
	ErrBrokenChain = errors.New("change-set chain is broken")
)

const appendAttempts = 5

// pendingCounter disambiguates temporary keys between concurrent writers in
// the same process; cross-process uniqueness comes from the nanosecond stamp.
var pendingCounter atomic.Int64

func pendingKey(key string) string {
	return fmt.Sprintf("%s%d.%d", util.PendingKey(key), time.Now().UnixNano(), pendingCounter.Add(1))
}

// Ref identifies one persisted change-set.
type Ref struct {
	Sequence int64
	Key      string
	Size     int64
	Modified time.Time
}

// Store persists change-sets and content blobs for one named chain on top of
// a storage backend. Sequence numbers and parent linkage are assigned here at
// append time, never by callers.
type Store struct {
	Backend       storage.Storage
	Prefix        string
	Name          string
	Compression   string // blob codec: none, gzip, zstd
	EncryptionKey []byte // nil disables blob encryption
	Log           zerolog.Logger
}

// List returns the chain's change-set refs ordered by sequence.
func (s *Store) List(ctx context.Context) ([]Ref, error) {
	objects, err := s.Backend.List(ctx, util.ChainPrefix(s.Prefix, s.Name))
	if err != nil {
		return nil, err
	}
	refs := make([]Ref, 0, len(objects))
	for _, obj := range objects {
		seq, err := util.SeqFromKey(obj.Key)
		if err != nil {
			// Pending writes and foreign objects are not part of the chain.
			continue
		}
		refs = append(refs, Ref{Sequence: seq, Key: obj.Key, Size: obj.Size, Modified: obj.Modified})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Sequence < refs[j].Sequence })
	for i := 1; i < len(refs); i++ {
		if refs[i].Sequence == refs[i-1].Sequence {
			return nil, fmt.Errorf("%w: duplicate sequence %d", ErrBrokenChain, refs[i].Sequence)
		}
	}
	return refs, nil
}

// Head returns the highest committed sequence number, or -1 for an empty chain.
func (s *Store) Head(ctx context.Context) (int64, error) {
	refs, err := s.List(ctx)
	if err != nil {
		return -1, err
	}
	if len(refs) == 0 {
		return -1, nil
	}
	return refs[len(refs)-1].Sequence, nil
}

// Append commits a change-set under the next sequence number. The write goes
// to a temporary key first and is published with an atomic rename, so readers
// never observe a half-written change-set and a retry after a partial write
// can never produce a duplicate sequence. A writer that loses the race for a
// number retries with the refreshed counter.
func (s *Store) Append(ctx context.Context, cs *snapshot.ChangeSet) (int64, error) {
	for attempt := 0; attempt < appendAttempts; attempt++ {
		head, err := s.Head(ctx)
		if err != nil {
			return -1, err
		}
		seq := head + 1
		cs.Sequence = seq
		if cs.IsFull() {
			cs.Parent = -1
		} else {
			if head < 0 {
				return -1, fmt.Errorf("chain %s is empty; an incremental change-set needs a parent", s.Name)
			}
			cs.Parent = head
		}
		cs.Compression = s.Compression
		cs.Encryption = len(s.EncryptionKey) > 0
		cs.Checksum = opsChecksum(cs.Ops)

		payload, err := json.Marshal(cs)
		if err != nil {
			return -1, fmt.Errorf("encode change-set: %w", err)
		}

		key := util.ChangeSetKey(s.Prefix, s.Name, seq)
		pending := pendingKey(key)
		if err := s.Backend.Put(ctx, pending, bytes.NewReader(payload), int64(len(payload)), map[string]string{"fbu-changeset": "true"}); err != nil {
			return -1, err
		}

		err = s.Backend.Publish(ctx, pending, key)
		if err == nil {
			return seq, nil
		}
		_ = s.Backend.Delete(ctx, pending)
		if errors.Is(err, storage.ErrAlreadyExists) {
			s.Log.Warn().Int64("sequence", seq).Msg("sequence number taken by a concurrent writer, retrying")
			continue
		}
		return -1, err
	}
	return -1, fmt.Errorf("%w: gave up after %d attempts", ErrConflictingSequence, appendAttempts)
}

// Read loads and verifies the change-set at the given sequence.
func (s *Store) Read(ctx context.Context, seq int64) (*snapshot.ChangeSet, error) {
	key := util.ChangeSetKey(s.Prefix, s.Name, seq)
	reader, err := s.Backend.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: change-set %d: %v", ErrBrokenChain, seq, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: change-set %d: %v", ErrBrokenChain, seq, err)
	}
	var cs snapshot.ChangeSet
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("%w: change-set %d: %v", ErrBrokenChain, seq, err)
	}
	if cs.Sequence != seq {
		return nil, fmt.Errorf("%w: change-set %d carries sequence %d", ErrBrokenChain, seq, cs.Sequence)
	}
	if cs.Checksum != "" && cs.Checksum != opsChecksum(cs.Ops) {
		return nil, fmt.Errorf("%w: change-set %d failed its integrity checksum", ErrBrokenChain, seq)
	}
	return &cs, nil
}

// ChainTo resolves the ordered change-sets required to reach upTo: from the
// most recent full snapshot at or before it through upTo itself. upTo < 0
// means the chain head. A missing or unlinked change-set fails with
// ErrBrokenChain.
func (s *Store) ChainTo(ctx context.Context, upTo int64) ([]*snapshot.ChangeSet, error) {
	refs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: chain %s is empty", ErrBrokenChain, s.Name)
	}

	bySeq := map[int64]Ref{}
	target := int64(-1)
	for _, ref := range refs {
		bySeq[ref.Sequence] = ref
		if upTo < 0 || ref.Sequence <= upTo {
			if ref.Sequence > target {
				target = ref.Sequence
			}
		}
	}
	if target < 0 {
		return nil, fmt.Errorf("%w: no change-set at or before sequence %d", ErrBrokenChain, upTo)
	}

	var sets []*snapshot.ChangeSet
	for seq := target; ; {
		if _, ok := bySeq[seq]; !ok {
			return nil, fmt.Errorf("%w: change-set %d is missing", ErrBrokenChain, seq)
		}
		cs, err := s.Read(ctx, seq)
		if err != nil {
			return nil, err
		}
		sets = append(sets, cs)
		if cs.IsFull() {
			break
		}
		if cs.Parent != seq-1 {
			return nil, fmt.Errorf("%w: change-set %d references parent %d, expected %d", ErrBrokenChain, seq, cs.Parent, seq-1)
		}
		seq = cs.Parent
	}

	// Collected tail-first; reverse into replay order.
	for i, j := 0, len(sets)-1; i < j; i, j = i+1, j-1 {
		sets[i], sets[j] = sets[j], sets[i]
	}
	return sets, nil
}

func opsChecksum(ops []snapshot.Op) string {
	payload, err := json.Marshal(ops)
	if err != nil {
		return ""
	}
	return fingerprint.Checksum(payload)
}
