package packetio

import (
	"encoding/binary"
	"fmt"

	"github.com/mdlayher/netlink"
)

// ctaID is the conntrack attribute carrying the kernel's connection id.
const ctaID = 12

// streamIDFromConntrack extracts the connection id from the conntrack attributes
// attached to a queued packet. The id is stable for the lifetime of the connection
// and identical for both directions.
func streamIDFromConntrack(ct []byte) (uint32, error) {
	ad, err := netlink.NewAttributeDecoder(ct)
	if err != nil {
		return 0, fmt.Errorf("decode conntrack attributes: %w", err)
	}
	ad.ByteOrder = binary.BigEndian
	for ad.Next() {
		if ad.Type() == ctaID {
			id := ad.Uint32()
			if err := ad.Err(); err != nil {
				return 0, fmt.Errorf("decode conntrack id: %w", err)
			}
			return id, nil
		}
	}
	if err := ad.Err(); err != nil {
		return 0, fmt.Errorf("decode conntrack attributes: %w", err)
	}
	return 0, fmt.Errorf("conntrack id attribute missing")
}
