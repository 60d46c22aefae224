package p2p

import (
	"encoding/binary"

	"github.com/mazanetwork/maza/errors"
)

// SyncStatusCountPayload encodes a SYNCSTATUSCOUNT announcement carrying
// the asset id and the number of inventory items pushed for it.
func SyncStatusCountPayload(assetID, count int32) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[:4], uint32(assetID))
	binary.LittleEndian.PutUint32(b[4:], uint32(count))
	return b
}

// ParseSyncStatusCount decodes a SYNCSTATUSCOUNT payload.
func ParseSyncStatusCount(payload []byte) (assetID, count int32, err error) {
	if len(payload) != 8 {
		return 0, 0, errors.NewInvalidArgumentError("malformed syncstatuscount payload")
	}
	return int32(binary.LittleEndian.Uint32(payload[:4])), int32(binary.LittleEndian.Uint32(payload[4:])), nil
}
