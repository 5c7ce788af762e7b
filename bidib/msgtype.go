package bidib

// MsgType is the one-byte BiDiB message type. The most significant bit gives
// the direction: clear for downstream (host to node), set for upstream (node
// to host).
type MsgType uint8

// Downstream system messages.
const (
	MsgSysGetMagic     MsgType = 0x01
	MsgSysGetPVersion  MsgType = 0x02
	MsgSysEnable       MsgType = 0x03
	MsgSysDisable      MsgType = 0x04
	MsgSysGetUniqueID  MsgType = 0x05
	MsgSysGetSWVersion MsgType = 0x06
	MsgSysPing         MsgType = 0x07
	MsgSysIdentify     MsgType = 0x08
	MsgSysReset        MsgType = 0x09
	MsgGetPktCapacity  MsgType = 0x0A
	MsgNodeTabGetAll   MsgType = 0x0B
	MsgNodeTabGetNext  MsgType = 0x0C
	MsgNodeChangedAck  MsgType = 0x0D
	MsgSysGetError     MsgType = 0x0E
	MsgFwUpdateOp      MsgType = 0x0F
)

// Downstream feature, vendor, clock and string messages.
const (
	MsgFeatureGetAll  MsgType = 0x10
	MsgFeatureGetNext MsgType = 0x11
	MsgFeatureGet     MsgType = 0x12
	MsgFeatureSet     MsgType = 0x13
	MsgVendorEnable   MsgType = 0x14
	MsgVendorDisable  MsgType = 0x15
	MsgVendorSet      MsgType = 0x16
	MsgVendorGet      MsgType = 0x17
	MsgSysClock       MsgType = 0x18
	MsgStringGet      MsgType = 0x19
	MsgStringSet      MsgType = 0x1A
)

// Downstream occupancy (feedback) messages.
const (
	MsgBmGetRange       MsgType = 0x20
	MsgBmMirrorMultiple MsgType = 0x21
	MsgBmMirrorOcc      MsgType = 0x22
	MsgBmMirrorFree     MsgType = 0x23
	MsgBmAddrGetRange   MsgType = 0x24
	MsgBmGetConfidence  MsgType = 0x25
)

// Downstream booster messages.
const (
	MsgBoostOff   MsgType = 0x30
	MsgBoostOn    MsgType = 0x31
	MsgBoostQuery MsgType = 0x32
)

// Downstream accessory messages.
const (
	MsgAccessorySet     MsgType = 0x38
	MsgAccessoryGet     MsgType = 0x39
	MsgAccessoryParaSet MsgType = 0x3A
	MsgAccessoryParaGet MsgType = 0x3B
)

// Downstream command-station messages.
const (
	MsgCSAllocate  MsgType = 0x60
	MsgCSSetState  MsgType = 0x62
	MsgCSDrive     MsgType = 0x64
	MsgCSAccessory MsgType = 0x65
	MsgCSBinState  MsgType = 0x66
	MsgCSPom       MsgType = 0x67
	MsgCSProg      MsgType = 0x6F
)

// Downstream local messages (top three type bits set, direction bit clear).
// Local messages are link-scoped: they never carry a sequence number and are
// never routed into a sub-tree.
const (
	MsgLocalLogonAck    MsgType = 0x70
	MsgLocalPing        MsgType = 0x71
	MsgLocalLogonReject MsgType = 0x72
	MsgLocalAccessory   MsgType = 0x73
	MsgLocalSync        MsgType = 0x74
	MsgLocalDiscover    MsgType = 0x75
	MsgLocalLogon       MsgType = 0x76
	MsgLocalLogoff      MsgType = 0x77
	MsgLocalProtocolSig MsgType = 0x7E
	MsgLocalLink        MsgType = 0x7F
)

// Upstream system messages.
const (
	MsgSysMagic         MsgType = 0x81
	MsgSysPong          MsgType = 0x82
	MsgSysPVersion      MsgType = 0x83
	MsgSysUniqueID      MsgType = 0x84
	MsgSysSWVersion     MsgType = 0x85
	MsgSysError         MsgType = 0x86
	MsgSysIdentifyState MsgType = 0x87
	MsgNodeTabCount     MsgType = 0x88
	MsgNodeTab          MsgType = 0x89
	MsgPktCapacity      MsgType = 0x8A
	MsgNodeNA           MsgType = 0x8B
	MsgNodeLost         MsgType = 0x8C
	MsgNodeNew          MsgType = 0x8D
	MsgStall            MsgType = 0x8E
	MsgFwUpdateStat     MsgType = 0x8F
)

// Upstream feature, vendor and string messages.
const (
	MsgFeature      MsgType = 0x90
	MsgFeatureNA    MsgType = 0x91
	MsgFeatureCount MsgType = 0x92
	MsgVendor       MsgType = 0x93
	MsgVendorAck    MsgType = 0x94
	MsgString       MsgType = 0x95
)

// Upstream occupancy messages.
const (
	MsgBmOcc        MsgType = 0xA0
	MsgBmFree       MsgType = 0xA1
	MsgBmMultiple   MsgType = 0xA2
	MsgBmAddress    MsgType = 0xA3
	MsgBmCV         MsgType = 0xA5
	MsgBmSpeed      MsgType = 0xA6
	MsgBmCurrent    MsgType = 0xA7
	MsgBmConfidence MsgType = 0xA9
)

// Upstream booster messages.
const (
	MsgBoostStat       MsgType = 0xB0
	MsgBoostDiagnostic MsgType = 0xB2
)

// Upstream accessory messages.
const (
	MsgAccessoryState  MsgType = 0xB8
	MsgAccessoryPara   MsgType = 0xB9
	MsgAccessoryNotify MsgType = 0xBA
)

// Upstream command-station messages.
const (
	MsgCSState        MsgType = 0xE1
	MsgCSDriveAck     MsgType = 0xE2
	MsgCSAccessoryAck MsgType = 0xE3
	MsgCSPomAck       MsgType = 0xE4
	MsgCSDriveManual  MsgType = 0xE5
	MsgCSDriveEvent   MsgType = 0xE6
	MsgCSProgState    MsgType = 0xEF
)

// Command-station states carried by MSG_CS_SET_STATE and MSG_CS_STATE.
// Query reads the current state without switching.
const (
	CSStateOff      uint8 = 0x00
	CSStateStop     uint8 = 0x01
	CSStateSoftStop uint8 = 0x02
	CSStateGo       uint8 = 0x03
	CSStateProg     uint8 = 0x08
	CSStateProgBusy uint8 = 0x09
	CSStateBusy     uint8 = 0x0D
	CSStateQuery    uint8 = 0xFF
)

// Upstream local messages.
const (
	MsgLocalLogonUp  MsgType = 0xF0
	MsgLocalPong     MsgType = 0xF1
	MsgLocalAnnounce MsgType = 0xF2
	MsgLocalBidibUp  MsgType = 0xFF
)

// localMask selects the top three bits of the 7-bit type; a type with all
// three set is link-local in either direction.
const localMask MsgType = 0x70

// IsLocal reports whether t is a link-local message type. Local messages
// carry sequence number 0 and are consumed by the adjacent link partner
// instead of being routed.
func (t MsgType) IsLocal() bool {
	return t&localMask == localMask
}

// IsUpstream reports whether t flows from node to host.
func (t MsgType) IsUpstream() bool {
	return t&0x80 != 0
}

// broadcastTypes is the closed set of message types that are delivered to
// every node and therefore never carry a sequence number.
var broadcastTypes = map[MsgType]struct{}{
	MsgSysEnable:      {},
	MsgSysDisable:     {},
	MsgSysReset:       {},
	MsgSysClock:       {},
	MsgBoostOn:        {},
	MsgBoostOff:       {},
	MsgLocalAccessory: {},
	MsgLocalSync:      {},
}

// IsBroadcast reports whether t belongs to the closed broadcast set.
func (t MsgType) IsBroadcast() bool {
	_, ok := broadcastTypes[t]
	return ok
}
