package ganon

import "time"

// KeyKind discriminates whether a logical key is stored as a document field
// or as a subcollection (spec.md §3).
type KeyKind string

const (
	// DocKey is stored as a single sanitized field on its owning document.
	DocKey KeyKind = "doc"
	// SubcollectionKey is stored as one or more child documents of a
	// subcollection under its owning document.
	SubcollectionKey KeyKind = "subcollection"
)

// DocumentSchema describes one cloud document: the set of keys stored as
// fields on it, and the set of keys stored as its subcollections.
type DocumentSchema struct {
	DocKeys           map[string]struct{}
	SubcollectionKeys map[string]struct{}
}

// CloudConfig is the schema-declared mapping from document name to the keys
// it owns, per spec.md §3. Each key must appear in exactly one
// (documentName, kind) pair.
type CloudConfig map[string]DocumentSchema

// KeyLookup resolves a single key to its owning document name and kind. It
// is built once from a CloudConfig by metamanager.New.
type KeyLookup struct {
	Document string
	Kind     KeyKind
}

// Lookup builds the key -> (document, kind) index described in spec.md §4.9
// ("MetadataManager... key→document map"), skipping any key assigned to more
// than one document (a schema authoring error, silently dropped rather
// than panicking so a bad schema degrades gracefully).
func (c CloudConfig) Lookup() map[string]KeyLookup {
	out := make(map[string]KeyLookup)
	seen := make(map[string]bool)
	for doc, schema := range c {
		for k := range schema.DocKeys {
			if seen[k] {
				delete(out, k)
				continue
			}
			seen[k] = true
			out[k] = KeyLookup{Document: doc, Kind: DocKey}
		}
		for k := range schema.SubcollectionKeys {
			if seen[k] {
				delete(out, k)
				continue
			}
			seen[k] = true
			out[k] = KeyLookup{Document: doc, Kind: SubcollectionKey}
		}
	}
	return out
}

// ConflictResolutionStrategy selects how the coordinator resolves a conflict
// between a cached remote record and the local record (spec.md §4.8).
type ConflictResolutionStrategy string

const (
	// LocalWins always keeps the local record on conflict.
	LocalWins ConflictResolutionStrategy = "local_wins"
	// RemoteWins always keeps the remote record on conflict.
	RemoteWins ConflictResolutionStrategy = "remote_wins"
	// LastModifiedWins keeps whichever record has the higher version,
	// ties going to local. This is the default.
	LastModifiedWins ConflictResolutionStrategy = "last_modified_wins"
)

// ConflictResolutionConfig configures the coordinator's conflict resolver
// and optional conflict tracking (SPEC_FULL.md §6 "Supplemented features").
type ConflictResolutionConfig struct {
	Strategy            ConflictResolutionStrategy
	MergeStrategy        string
	NotifyOnConflict     func(ConflictRecord)
	TrackConflicts       bool
	MaxTrackedConflicts  int
}

// IntegrityFailureRecoveryStrategy picks what happens after hydration writes
// a value whose digest still mismatches the remote metadata record after
// retrying (spec.md §4.12 "Integrity check on hydrate").
type IntegrityFailureRecoveryStrategy string

const (
	// ForceRefresh invalidates the coordinator cache and tries once more.
	ForceRefresh IntegrityFailureRecoveryStrategy = "force_refresh"
	// UseLocal keeps whatever is already in local storage.
	UseLocal IntegrityFailureRecoveryStrategy = "use_local"
	// UseRemote writes the remote value regardless of the mismatch.
	UseRemote IntegrityFailureRecoveryStrategy = "use_remote"
	// Skip leaves state untouched.
	Skip IntegrityFailureRecoveryStrategy = "skip"
)

// IntegrityFailureConfig configures the retry/recovery state machine invoked
// when a hydrated value's digest does not match its remote metadata record.
type IntegrityFailureConfig struct {
	MaxRetries       int
	RetryDelay       time.Duration
	Strategy         IntegrityFailureRecoveryStrategy
	NotifyOnFailure  func(key string, computed, remote string, attempts int)
}

// Config is GanonConfig from spec.md §6.
type Config struct {
	// IdentifierKey is the local key holding the current user's identifier.
	IdentifierKey string
	// CloudConfig is the schema (spec.md §3).
	CloudConfig CloudConfig
	// SyncInterval is the autosync period. Zero disables the timer.
	SyncInterval time.Duration
	// AutoStartSync starts the autosync timer at construction when true.
	AutoStartSync bool
	// RemoteReadonly forces the remote adapter into read-only mode.
	RemoteReadonly bool

	ConflictResolutionConfig ConflictResolutionConfig
	IntegrityFailureConfig   IntegrityFailureConfig
}

// DefaultConfig returns sane defaults, mirroring the teacher's
// DefaultOptions()/DefaultCacheOptions() constructors.
func DefaultConfig() *Config {
	return &Config{
		ConflictResolutionConfig: ConflictResolutionConfig{
			Strategy:            LastModifiedWins,
			MaxTrackedConflicts: 100,
		},
		IntegrityFailureConfig: IntegrityFailureConfig{
			MaxRetries: 3,
			RetryDelay: 200 * time.Millisecond,
			Strategy:   ForceRefresh,
		},
	}
}

// ConflictRecord is a single observed conflict, kept in a bounded ring buffer
// by the coordinator when ConflictResolutionConfig.TrackConflicts is set.
type ConflictRecord struct {
	ID           string
	Key          string
	LocalDigest  string
	LocalVersion int64
	RemoteDigest string
	RemoteVersion int64
	ResolvedFrom string // "local" or "remote"
	At           time.Time
}
