// Package bidib implements the BiDiB address and message model: the
// hierarchical address stack, the message envelope and its byte-exact wire
// codec, the message-type constant set, the 7-byte unique device identifier,
// and the progressive value scales used for current and speed on the wire.
//
// Every other package of go-bidib builds on this one. The serial bus master
// (package serial), the controller bring-up machine (package controller), the
// server dispatcher (package server) and the network transport (package
// nettrans) all exchange [Message] values and route them by [Address].
//
// # Wire format
//
// A single message on the wire is:
//
//	[LENGTH][ADDR_STACK...0][SEQ][MSG_TYPE][DATA...]
//
// LENGTH counts every byte after itself. The address stack is a sequence of
// 0-4 one-byte local addresses terminated by a zero byte; the bare zero byte
// addresses "this node" and is also used for broadcast. Several messages may
// be concatenated into one packet; [PackAll] and [Unpack] handle the
// concatenated form.
package bidib
