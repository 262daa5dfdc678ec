package keydex

import "keydex/internal/bkeys"

// KeyEncoding selects the in-node key container backend.
type KeyEncoding = bkeys.Encoding

const (
	// EncodingFst stores node keys in a succinct finite-state
	// transducer. Best for read-heavy, rarely-mutated trees.
	EncodingFst = bkeys.EncodingFst

	// EncodingTrie stores node keys in a radix trie with cheap
	// in-place mutation. Preferred for write-heavy trees.
	EncodingTrie = bkeys.EncodingTrie
)

// DefaultMinimumDegree is the degree used when the caller does not
// choose one. Every non-root node then holds between 31 and 63 keys.
const DefaultMinimumDegree = 32

// Options configures a tree handle. Degree and encoding only apply
// when the tree is created; an existing BState wins over both.
type Options struct {
	minimumDegree uint32
	encoding      KeyEncoding
	cache         *NodeCache
	cacheSize     int
	logger        Logger
}

func defaultOptions() Options {
	return Options{
		minimumDegree: DefaultMinimumDegree,
		encoding:      EncodingTrie,
		cacheSize:     DefaultCacheSize,
		logger:        DiscardLogger{},
	}
}

// Option configures a tree using the functional options pattern.
type Option func(*Options)

// WithMinimumDegree sets the minimum degree t for a newly created
// tree: every non-root node holds between t-1 and 2t-1 keys. Must be
// at least 2. Ignored when opening an existing tree.
func WithMinimumDegree(t uint32) Option {
	return func(opts *Options) {
		opts.minimumDegree = t
	}
}

// WithKeyEncoding selects the key container backend for a newly
// created tree. Ignored when opening an existing tree.
func WithKeyEncoding(enc KeyEncoding) Option {
	return func(opts *Options) {
		opts.encoding = enc
	}
}

// WithCache shares an existing node cache across trees. Entries are
// namespaced by each tree's durable ID, so sharing is safe.
func WithCache(cache *NodeCache) Option {
	return func(opts *Options) {
		opts.cache = cache
	}
}

// WithCacheSize bounds the private node cache created when no shared
// cache is supplied.
func WithCacheSize(size int) Option {
	return func(opts *Options) {
		opts.cacheSize = size
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger Logger) Option {
	return func(opts *Options) {
		opts.logger = logger
	}
}
