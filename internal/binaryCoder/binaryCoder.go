// Package binaryCoder serializes pieces, B-tree nodes, commits and the
// persisted head index using the protobuf wire format. Messages are
// written and read with protowire directly so the on-disk format stays
// schema-compatible without generated code.
package binaryCoder

import (
	"fmt"

	"github.com/i5heu/ouroboros-ledger/pkg/types"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers. Shared across envelope, node and commit records where
// the same concept appears.
const (
	fieldContent    = 1
	fieldReference  = 2
	fieldEntry      = 3
	fieldChild      = 4
	fieldDigest     = 1
	fieldKeyIndex   = 2
	fieldScope      = 3
	fieldEntryKey   = 1
	fieldEntryValue = 2
	fieldEntryPrio  = 3
	fieldCommitId   = 1
	fieldCommitRoot = 2
	fieldParent     = 3
	fieldGeneration = 4
	fieldTimestamp  = 5
	fieldHead       = 1
)

func appendIdentifier(b []byte, oi types.ObjectIdentifier) []byte {
	var msg []byte
	msg = protowire.AppendTag(msg, fieldDigest, protowire.BytesType)
	msg = protowire.AppendBytes(msg, oi.Digest[:])
	msg = protowire.AppendTag(msg, fieldKeyIndex, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(oi.KeyIndex))
	msg = protowire.AppendTag(msg, fieldScope, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(oi.DeletionScope))
	return protowire.AppendBytes(b, msg)
}

func parseIdentifier(msg []byte) (types.ObjectIdentifier, error) {
	var oi types.ObjectIdentifier
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return oi, fmt.Errorf("identifier tag: %w", protowire.ParseError(n))
		}
		msg = msg[n:]

		switch num {
		case fieldDigest:
			v, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return oi, fmt.Errorf("identifier digest: %w", protowire.ParseError(n))
			}
			digest, err := types.DigestFromBytes(v)
			if err != nil {
				return oi, err
			}
			oi.Digest = digest
			msg = msg[n:]
		case fieldKeyIndex:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return oi, fmt.Errorf("identifier key index: %w", protowire.ParseError(n))
			}
			oi.KeyIndex = types.KeyIndex(v)
			msg = msg[n:]
		case fieldScope:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return oi, fmt.Errorf("identifier scope: %w", protowire.ParseError(n))
			}
			oi.DeletionScope = types.DeletionScopeId(v)
			msg = msg[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return oi, fmt.Errorf("identifier field %d: %w", num, protowire.ParseError(n))
			}
			msg = msg[n:]
		}
	}
	return oi, nil
}

// PieceToBytes encodes a piece envelope: the raw content plus the
// identifiers of the pieces it references.
func PieceToBytes(content []byte, references []types.ObjectIdentifier) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldContent, protowire.BytesType)
	b = protowire.AppendBytes(b, content)
	for _, ref := range references {
		b = protowire.AppendTag(b, fieldReference, protowire.BytesType)
		b = appendIdentifier(b, ref)
	}
	return b
}

// BytesToPiece decodes a piece envelope back into content and references.
func BytesToPiece(b []byte) ([]byte, []types.ObjectIdentifier, error) {
	var content []byte
	var refs []types.ObjectIdentifier

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, nil, fmt.Errorf("piece tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldContent:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, nil, fmt.Errorf("piece content: %w", protowire.ParseError(n))
			}
			content = append([]byte(nil), v...)
			b = b[n:]
		case fieldReference:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, nil, fmt.Errorf("piece reference: %w", protowire.ParseError(n))
			}
			ref, err := parseIdentifier(v)
			if err != nil {
				return nil, nil, err
			}
			refs = append(refs, ref)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, nil, fmt.Errorf("piece field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return content, refs, nil
}

// NodeToBytes encodes a B-tree node: its ordered entries and its child
// identifiers. Leaves and internal nodes share this representation.
func NodeToBytes(entries []types.Entry, children []types.ObjectIdentifier) []byte {
	var b []byte
	for _, e := range entries {
		var msg []byte
		msg = protowire.AppendTag(msg, fieldEntryKey, protowire.BytesType)
		msg = protowire.AppendBytes(msg, e.Key)
		msg = protowire.AppendTag(msg, fieldEntryValue, protowire.BytesType)
		msg = appendIdentifier(msg, e.Value)
		msg = protowire.AppendTag(msg, fieldEntryPrio, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(e.Priority))

		b = protowire.AppendTag(b, fieldEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	for _, child := range children {
		b = protowire.AppendTag(b, fieldChild, protowire.BytesType)
		b = appendIdentifier(b, child)
	}
	return b
}

// BytesToNode decodes a node encoded by NodeToBytes.
func BytesToNode(b []byte) ([]types.Entry, []types.ObjectIdentifier, error) {
	var entries []types.Entry
	var children []types.ObjectIdentifier

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, nil, fmt.Errorf("node tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldEntry:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, nil, fmt.Errorf("node entry: %w", protowire.ParseError(n))
			}
			entry, err := parseEntry(v)
			if err != nil {
				return nil, nil, err
			}
			entries = append(entries, entry)
			b = b[n:]
		case fieldChild:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, nil, fmt.Errorf("node child: %w", protowire.ParseError(n))
			}
			child, err := parseIdentifier(v)
			if err != nil {
				return nil, nil, err
			}
			children = append(children, child)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, nil, fmt.Errorf("node field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return entries, children, nil
}

func parseEntry(msg []byte) (types.Entry, error) {
	var e types.Entry
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return e, fmt.Errorf("entry tag: %w", protowire.ParseError(n))
		}
		msg = msg[n:]

		switch num {
		case fieldEntryKey:
			v, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return e, fmt.Errorf("entry key: %w", protowire.ParseError(n))
			}
			e.Key = append([]byte(nil), v...)
			msg = msg[n:]
		case fieldEntryValue:
			v, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return e, fmt.Errorf("entry value: %w", protowire.ParseError(n))
			}
			value, err := parseIdentifier(v)
			if err != nil {
				return e, err
			}
			e.Value = value
			msg = msg[n:]
		case fieldEntryPrio:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return e, fmt.Errorf("entry priority: %w", protowire.ParseError(n))
			}
			e.Priority = types.Priority(v)
			msg = msg[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return e, fmt.Errorf("entry field %d: %w", num, protowire.ParseError(n))
			}
			msg = msg[n:]
		}
	}
	return e, nil
}

// CommitToBytes encodes a commit record for storage and sync transfer.
func CommitToBytes(c types.Commit) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldCommitId, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Id[:])
	b = protowire.AppendTag(b, fieldCommitRoot, protowire.BytesType)
	b = appendIdentifier(b, c.RootNode)
	for _, p := range c.Parents {
		b = protowire.AppendTag(b, fieldParent, protowire.BytesType)
		b = protowire.AppendBytes(b, p[:])
	}
	b = protowire.AppendTag(b, fieldGeneration, protowire.VarintType)
	b = protowire.AppendVarint(b, c.Generation)
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Timestamp))
	return b
}

// BytesToCommit decodes a commit record.
func BytesToCommit(b []byte) (types.Commit, error) {
	var c types.Commit
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return c, fmt.Errorf("commit tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldCommitId:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return c, fmt.Errorf("commit id: %w", protowire.ParseError(n))
			}
			digest, err := types.DigestFromBytes(v)
			if err != nil {
				return c, err
			}
			c.Id = types.CommitId(digest)
			b = b[n:]
		case fieldCommitRoot:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return c, fmt.Errorf("commit root: %w", protowire.ParseError(n))
			}
			root, err := parseIdentifier(v)
			if err != nil {
				return c, err
			}
			c.RootNode = root
			b = b[n:]
		case fieldParent:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return c, fmt.Errorf("commit parent: %w", protowire.ParseError(n))
			}
			digest, err := types.DigestFromBytes(v)
			if err != nil {
				return c, err
			}
			c.Parents = append(c.Parents, types.CommitId(digest))
			b = b[n:]
		case fieldGeneration:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return c, fmt.Errorf("commit generation: %w", protowire.ParseError(n))
			}
			c.Generation = v
			b = b[n:]
		case fieldTimestamp:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return c, fmt.Errorf("commit timestamp: %w", protowire.ParseError(n))
			}
			c.Timestamp = int64(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return c, fmt.Errorf("commit field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return c, nil
}

// HeadsToBytes encodes the persisted head index for one page.
func HeadsToBytes(heads []types.CommitId) []byte {
	var b []byte
	for _, h := range heads {
		b = protowire.AppendTag(b, fieldHead, protowire.BytesType)
		b = protowire.AppendBytes(b, h[:])
	}
	return b
}

// BytesToHeads decodes a head index row.
func BytesToHeads(b []byte) ([]types.CommitId, error) {
	var heads []types.CommitId
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("heads tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if num != fieldHead {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("heads field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("heads id: %w", protowire.ParseError(n))
		}
		digest, err := types.DigestFromBytes(v)
		if err != nil {
			return nil, err
		}
		heads = append(heads, types.CommitId(digest))
		b = b[n:]
	}
	return heads, nil
}
