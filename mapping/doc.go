// Package mapping implements the address mapping registry: the durable index
// linking a logical path to the content identifier assigned by the content
// network and to the local content hash.
//
// The path is the unique key. Identical bytes written under two paths share a
// content identifier, so an identifier or a content hash resolves to a set of
// mappings. Adding a mapping for a path that is already mapped replaces the
// earlier mapping. Removing a mapping never touches content on the network.
//
// The registry persists a {version, mappings} JSON snapshot to a key-value
// store after every mutation and reloads it on construction:
//
//	reg, err := mapping.NewRegistry(ctx, store, logger)
//	if err != nil {
//	    return err
//	}
//	err = reg.AddMapping(ctx, interfaces.AddressMapping{
//	    ContentID: cid, Path: "docs/readme.md", ContentHash: hash,
//	})
package mapping
