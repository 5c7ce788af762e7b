package bidib

// Feature identifiers. Features are per-node numeric capability/settings,
// queried during bring-up and settable through MSG_FEATURE_SET where the
// node permits it.
const (
	// Occupancy detector features.
	FeatureBMSize        uint8 = 0 // number of feedback bits
	FeatureBMOn          uint8 = 1
	FeatureBMSecAck      uint8 = 2
	FeatureBMCurrMeas    uint8 = 4
	FeatureBMAddrDetect  uint8 = 8
	FeatureBMDetectCount uint8 = 10

	// Booster features.
	FeatureBstVoltAdjust uint8 = 15
	FeatureBstVolt       uint8 = 16
	FeatureBstCutout     uint8 = 17
	FeatureBstAmpere     uint8 = 19

	// Command-station features.
	FeatureGenSpyMode           uint8 = 100
	FeatureGenWatchdog          uint8 = 101
	FeatureGenDriveAck          uint8 = 102
	FeatureGenSwitchAck         uint8 = 103
	FeatureGenPOMRepeat         uint8 = 106
	FeatureGenDriveBus          uint8 = 107
	FeatureGenNotifyDriveManual uint8 = 109

	// General features.
	FeatureStringSize      uint8 = 252 // max string length; 0 = no string support
	FeatureRelevantPIDBits uint8 = 253
	FeatureFwUpdateMode    uint8 = 254
	FeatureExtension       uint8 = 255
)

// String namespaces and indexes for MSG_STRING_GET / MSG_STRING_SET.
const (
	StringNamespaceNode uint8 = 0

	StringIndexProduct  uint8 = 0
	StringIndexUserName uint8 = 1
)

// MaxStringSize is the maximum length of a product or user string.
const MaxStringSize = 24

// Protocol version implemented by this stack, sent as minor, major.
const (
	ProtocolVersionMajor uint8 = 0
	ProtocolVersionMinor uint8 = 7
)

// SysMagic is the magic value a live node answers to MSG_SYS_GET_MAGIC.
// Nodes stuck in their bootloader answer BootMagic instead and must be
// reset before bring-up can proceed.
const (
	SysMagic  uint16 = 0xAFFE
	BootMagic uint16 = 0xB00D
)
