package zwave

import (
	"bytes"
	"fmt"
)

// Serial API payload layouts used by the handshake and interview.
const (
	// initDataBitmaskLen is the node bitmask size of an init data response,
	// one bit per node id 1..232.
	initDataBitmaskLen = 29

	// maxNodeID is the highest node id on a network.
	maxNodeID = 232

	listeningFlag = 0x80
)

// parseVersion decodes a get version response: a NUL-terminated version
// string followed by the library type.
func parseVersion(p []byte) (string, uint8) {
	i := bytes.IndexByte(p, 0)
	if i < 0 {
		return string(p), 0
	}
	var library uint8
	if i+1 < len(p) {
		library = p[i+1]
	}
	return string(p[:i]), library
}

// parseInitData decodes api version(1) capabilities(1) length(1)
// bitmask(length) and returns the node ids present.
func parseInitData(p []byte) (uint8, []uint16, error) {
	if len(p) < 3 || len(p) < 3+int(p[2]) {
		return 0, nil, fmt.Errorf("%w: init data of %d bytes", ErrInvalidFrame, len(p))
	}
	n := int(p[2])
	if n > initDataBitmaskLen {
		return 0, nil, fmt.Errorf("%w: node bitmask of %d bytes", ErrInvalidFrame, n)
	}
	var nodes []uint16
	for i, b := range p[3 : 3+n] {
		for bit := range 8 {
			if b&(1<<bit) != 0 {
				nodes = append(nodes, uint16(i*8+bit+1))
			}
		}
	}
	return p[0], nodes, nil
}

type protocolInfo struct {
	listening bool
	basic     uint8
	generic   uint8
	specific  uint8
}

// parseProtocolInfo decodes capabilities(1) security(1) reserved(1)
// basic(1) generic(1) specific(1).
func parseProtocolInfo(p []byte) (protocolInfo, error) {
	if len(p) < 6 {
		return protocolInfo{}, fmt.Errorf("%w: protocol info of %d bytes", ErrInvalidFrame, len(p))
	}
	if p[3] == 0 {
		return protocolInfo{}, fmt.Errorf("%w: node unknown to controller", ErrOperationFailed)
	}
	return protocolInfo{
		listening: p[0]&listeningFlag != 0,
		basic:     p[3],
		generic:   p[4],
		specific:  p[5],
	}, nil
}
