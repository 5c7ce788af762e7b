package nettrans

import (
	"fmt"

	"github.com/openrail/go-bidib/bidib"
)

// protocolSignature is the magic prefix every session must present in its
// first message. The remainder of the data names the implementation.
const protocolSignature = "BiDiB"

// implementationName is appended to the signature magic we emit.
const implementationName = "openrail"

// MSG_LOCAL_LINK subcommands. Descriptors identify an endpoint, the
// pairing codes negotiate trust.
const (
	LinkDescriptorUID        uint8 = 0x00
	LinkDescriptorProdString uint8 = 0x01
	LinkDescriptorUserString uint8 = 0x02
	LinkDescriptorPVersion   uint8 = 0x03
	LinkPairingRequest       uint8 = 0xFC
	LinkStatusUnpaired       uint8 = 0xFD
	LinkStatusPaired         uint8 = 0xFE
)

var (
	errBadSignature = fmt.Errorf("nettrans: missing %q signature", protocolSignature)
	errShortLink    = fmt.Errorf("nettrans: truncated link payload")
)

// localMsg builds an unaddressed local message. Local messages carry no
// sequence number.
func localMsg(t bidib.MsgType, data ...byte) *bidib.Message {
	return &bidib.Message{Addr: bidib.SelfAddr, Seq: 0, Type: t, Data: data}
}

// signatureMsg builds the greeting this endpoint opens every session with.
func signatureMsg() *bidib.Message {
	return localMsg(bidib.MsgLocalProtocolSig, []byte(protocolSignature+"-"+implementationName)...)
}

// checkSignature validates a received greeting. Only the magic prefix is
// required; the implementation suffix is informational.
func checkSignature(m *bidib.Message) error {
	if m.Type != bidib.MsgLocalProtocolSig || len(m.Data) < len(protocolSignature) {
		return errBadSignature
	}
	if string(m.Data[:len(protocolSignature)]) != protocolSignature {
		return errBadSignature
	}

	return nil
}

// linkMsg builds a MSG_LOCAL_LINK with the given subcommand.
func linkMsg(sub uint8, data ...byte) *bidib.Message {
	return localMsg(bidib.MsgLocalLink, append([]byte{sub}, data...)...)
}

// uidDescriptor announces the endpoint identity.
func uidDescriptor(uid bidib.UID) *bidib.Message {
	return linkMsg(LinkDescriptorUID, uid[:]...)
}

// stringDescriptor announces a product or user string.
func stringDescriptor(sub uint8, text string) *bidib.Message {
	if len(text) > bidib.MaxStringSize {
		text = text[:bidib.MaxStringSize]
	}

	data := make([]byte, 0, 1+len(text))
	data = append(data, uint8(len(text)))
	data = append(data, text...)

	return linkMsg(sub, data...)
}

// pairingMsg builds a pairing request or status carrying both endpoint
// UIDs, requester first.
func pairingMsg(sub uint8, own, peer bidib.UID) *bidib.Message {
	data := make([]byte, 0, 2*bidib.UIDSize)
	data = append(data, own[:]...)
	data = append(data, peer[:]...)

	return linkMsg(sub, data...)
}

// parseLinkUID extracts the leading UID of a link payload (after the
// subcommand byte).
func parseLinkUID(data []byte) (bidib.UID, error) {
	var uid bidib.UID
	if len(data) < bidib.UIDSize {
		return uid, errShortLink
	}
	copy(uid[:], data)

	return uid, nil
}

// parseLinkString extracts a length-prefixed descriptor string.
func parseLinkString(data []byte) (string, error) {
	if len(data) < 1 || len(data) < 1+int(data[0]) {
		return "", errShortLink
	}

	return string(data[1 : 1+data[0]]), nil
}
