package server

import (
	"github.com/openrail/go-bidib/bidib"
	"github.com/openrail/go-bidib/node"
)

// Kind selects the canned behaviour of a virtual node.
type Kind uint8

const (
	// KindRoot is this system itself: command station plus bridge.
	KindRoot Kind = iota + 1
	// KindHub is the virtual sub-bus hosting the synthesized nodes.
	KindHub
	// KindFeedback is one group of up to FeedbackGroupBits occupancy bits.
	KindFeedback
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindHub:
		return "hub"
	case KindFeedback:
		return "feedback"
	default:
		return "unknown"
	}
}

// FeedbackGroupBits is the largest occupancy window one virtual feedback
// node exposes.
const FeedbackGroupBits = 128

// Virtual is the Ext payload of a synthesized node: its kind, its
// downstream handler table and, for feedback nodes, the window into the
// flat feedback-bit space.
type Virtual struct {
	Kind     Kind
	handlers handlerTable

	// Iteration cursors of the feature and node-table enumeration
	// protocols, reset by the respective GETALL.
	featNext int
	tabNext  int

	// Feedback window; Base is the group's offset into the flat space.
	Base int
	Bits int
}

// virtualOf returns the Virtual payload, or nil for physical nodes.
func virtualOf(n *node.Node) *Virtual {
	v, _ := n.Ext.(*Virtual)
	return v
}

// Canned feature tables per kind. Each virtual node clones its table so
// per-node settable values stay independent.
var (
	rootFeatures = []node.Feature{
		{ID: bidib.FeatureRelevantPIDBits, Value: 16},
		{ID: bidib.FeatureStringSize, Value: bidib.MaxStringSize},
		{ID: bidib.FeatureGenDriveAck, Value: 1},
		{ID: bidib.FeatureGenSwitchAck, Value: 1},
		{ID: bidib.FeatureGenWatchdog, Value: 0},
		{ID: bidib.FeatureGenSpyMode, Value: 0},
	}

	hubFeatures = []node.Feature{
		{ID: bidib.FeatureStringSize, Value: bidib.MaxStringSize},
	}

	feedbackFeatures = []node.Feature{
		{ID: bidib.FeatureBMSize, Value: FeedbackGroupBits},
		{ID: bidib.FeatureBMOn, Value: 2},
		{ID: bidib.FeatureBMSecAck, Value: 1},
		{ID: bidib.FeatureBMAddrDetect, Value: 0},
		{ID: bidib.FeatureStringSize, Value: bidib.MaxStringSize},
	}
)

// settableFeatures are the feature IDs a host may change on a virtual node;
// writes to them are persisted.
var settableFeatures = map[uint8]struct{}{
	bidib.FeatureBMOn:        {},
	bidib.FeatureBMSecAck:    {},
	bidib.FeatureGenWatchdog: {},
	bidib.FeatureGenSpyMode:  {},
}

func featuresForKind(k Kind) []node.Feature {
	switch k {
	case KindRoot:
		return rootFeatures
	case KindHub:
		return hubFeatures
	case KindFeedback:
		return feedbackFeatures
	default:
		return nil
	}
}

// newVirtual builds a synthesized node of the given kind. Settable features
// are restored from the store and validated through it on write.
func (s *Server) newVirtual(uid bidib.UID, localAddr uint8, kind Kind, prod string) *node.Node {
	n := node.New(uid, localAddr)
	n.Virtual = true
	n.Stage = node.StageIdle
	n.ProdString = prod

	v := &Virtual{Kind: kind, handlers: s.tableForKind(kind)}
	n.Ext = v

	short := uid.Short()
	for _, f := range featuresForKind(kind) {
		f := f
		if _, settable := settableFeatures[f.ID]; settable {
			if stored, ok := s.store.VirtualFeature(short, f.ID); ok {
				f.Value = stored
			}
			f.Validate = s.persistFeature(f.ID)
		}
		n.Features.Add(f)
	}

	if name, ok := s.store.NodeUserName(short); ok {
		n.UserName = name
	}

	return n
}

// persistFeature stores accepted writes so the value survives restarts.
func (s *Server) persistFeature(id uint8) node.Validator {
	return func(n *node.Node, value uint8) uint8 {
		s.store.SetVirtualFeature(n.UID.Short(), id, value)
		return value
	}
}

// buildSubtree synthesizes the virtual part of the tree: the hub below the
// root and the configured feedback groups below the hub.
func (s *Server) buildSubtree(feedbackGroups int) error {
	root := s.tree.Root()
	root.Virtual = true
	root.Stage = node.StageIdle
	root.ProdString = rootProduct
	root.Ext = &Virtual{Kind: KindRoot, handlers: s.tableForKind(KindRoot)}

	hubUID := deriveUID(root.UID, bidib.ClassBridge, 1)
	hubAddr, err := s.tree.FreeLocalAddr(root, node.MinVirtualAddr)
	if err != nil {
		return err
	}

	hub := s.newVirtual(hubUID, hubAddr, KindHub, hubProduct)
	if err := s.tree.Insert(root, hub); err != nil {
		return err
	}
	s.hub = hub

	for i := 0; i < feedbackGroups; i++ {
		if err := s.addFeedbackGroup(); err != nil {
			return err
		}
	}

	return nil
}

// addFeedbackGroup appends one feedback node below the hub and maps it into
// the flat bit space, reusing a persisted base offset when one exists.
func (s *Server) addFeedbackGroup() error {
	seq := uint8(len(s.hub.Children()) + 1)
	uid := deriveUID(s.tree.Root().UID, bidib.ClassOccupancy, seq+1)

	local, err := s.tree.FreeLocalAddr(s.hub, node.MinVirtualAddr)
	if err != nil {
		return err
	}

	n := s.newVirtual(uid, local, KindFeedback, feedbackProduct)
	v := virtualOf(n)
	v.Bits = FeedbackGroupBits

	short := uid.Short()
	if base, ok := s.store.FeedbackBase(short); ok {
		v.Base = base
	} else {
		v.Base = s.feedback.Grow(FeedbackGroupBits)
		s.store.SetFeedbackBase(short, v.Base)
	}
	s.feedback.Reserve(v.Base + v.Bits)

	return s.tree.Insert(s.hub, n)
}

// deriveUID builds a child UID from the root's vendor identity with its own
// class bits and serial discriminator.
func deriveUID(root bidib.UID, class uint8, disc uint8) bidib.UID {
	uid := root
	uid[0] = class
	uid[1] = 0
	uid[6] = root[6] + disc

	return uid
}

// Product strings of the synthesized nodes.
const (
	rootProduct     = "openrail command station"
	hubProduct      = "openrail virtual hub"
	feedbackProduct = "openrail feedback group"
)
