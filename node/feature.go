package node

import (
	"sort"
)

// Validator clamps or transforms a feature value on write and may trigger
// side effects such as persistence or hardware reconfiguration. It returns
// the value actually stored.
type Validator func(n *Node, value uint8) uint8

// Feature is one per-node numeric capability or setting.
type Feature struct {
	ID       uint8
	Value    uint8
	Validate Validator
}

// FeatureSet is an ordered set of features, sorted by ID on write so reads
// can binary search.
type FeatureSet struct {
	features []Feature
}

// Len returns the number of features in the set.
func (fs *FeatureSet) Len() int { return len(fs.features) }

// All returns the features in ID order. The slice must not be mutated.
func (fs *FeatureSet) All() []Feature { return fs.features }

// At returns the feature at position i in ID order, used by the
// next-feature enumeration protocol.
func (fs *FeatureSet) At(i int) (Feature, bool) {
	if i < 0 || i >= len(fs.features) {
		return Feature{}, false
	}

	return fs.features[i], true
}

// search returns the insertion index for id and whether it is present.
func (fs *FeatureSet) search(id uint8) (int, bool) {
	i := sort.Search(len(fs.features), func(i int) bool {
		return fs.features[i].ID >= id
	})

	return i, i < len(fs.features) && fs.features[i].ID == id
}

// Get returns the value of the feature with the given ID.
func (fs *FeatureSet) Get(id uint8) (uint8, bool) {
	if i, ok := fs.search(id); ok {
		return fs.features[i].Value, true
	}

	return 0, false
}

// GetDefault returns the value of the feature or def when absent.
func (fs *FeatureSet) GetDefault(id uint8, def uint8) uint8 {
	if v, ok := fs.Get(id); ok {
		return v
	}

	return def
}

// Add inserts or replaces the feature, keeping the set sorted.
func (fs *FeatureSet) Add(f Feature) {
	i, ok := fs.search(f.ID)
	if ok {
		fs.features[i] = f
		return
	}

	fs.features = append(fs.features, Feature{})
	copy(fs.features[i+1:], fs.features[i:])
	fs.features[i] = f
}

// Set updates the value of an existing feature, applying its validator.
// It returns the stored value and false when the feature is absent.
func (fs *FeatureSet) Set(n *Node, id uint8, value uint8) (uint8, bool) {
	i, ok := fs.search(id)
	if !ok {
		return 0, false
	}

	if fs.features[i].Validate != nil {
		value = fs.features[i].Validate(n, value)
	}
	fs.features[i].Value = value

	return value, true
}

// Clone returns a deep copy of the set. Validators are shared.
func (fs *FeatureSet) Clone() FeatureSet {
	out := make([]Feature, len(fs.features))
	copy(out, fs.features)

	return FeatureSet{features: out}
}
