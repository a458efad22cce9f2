package network

import (
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/ruteri/content-sync/interfaces"
)

// ComputeCID returns the CIDv1 (raw codec, sha2-256) of data. For payloads
// below the IPFS chunk size this matches `ipfs add --cid-version=1 --raw-leaves`.
func ComputeCID(data []byte) (string, error) {
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return cid.NewCidV1(cid.Raw, hash).String(), nil
}

// ValidateContentID checks that contentID is a decodable CID.
func ValidateContentID(contentID string) error {
	if _, err := cid.Decode(contentID); err != nil {
		return fmt.Errorf("%w: %q: %v", interfaces.ErrInvalidContentID, contentID, err)
	}
	return nil
}
