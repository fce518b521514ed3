package overlay

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testEntry() BootstrapEntry {
	return BootstrapEntry{Addr: "/ip4/203.0.113.1/tcp/4001/p2p/Qm...", ValidUntil: time.Now().Add(time.Hour)}
}

func TestVerifyAcceptsQuorumOfValidEndorsements(t *testing.T) {
	dir := NewDirectory(2)
	keys := []*EndorserKey{NewEndorserKey(1), NewEndorserKey(2), NewEndorserKey(3)}
	for _, k := range keys {
		dir.RegisterEndorser(k.NodeID, k.Public)
	}

	entry := testEntry()
	var endorsements []*Endorsement
	for _, k := range keys[:2] {
		e, err := k.Endorse(entry)
		if err != nil {
			t.Fatalf("Endorse failed: %v", err)
		}
		endorsements = append(endorsements, e)
	}

	if err := dir.Verify(entry, endorsements); err != nil {
		t.Errorf("expected quorum of 2/3 to verify, got %v", err)
	}
}

func TestVerifyRejectsBelowThreshold(t *testing.T) {
	dir := NewDirectory(2)
	keys := []*EndorserKey{NewEndorserKey(1), NewEndorserKey(2)}
	for _, k := range keys {
		dir.RegisterEndorser(k.NodeID, k.Public)
	}

	entry := testEntry()
	e, err := keys[0].Endorse(entry)
	if err != nil {
		t.Fatalf("Endorse failed: %v", err)
	}

	if err := dir.Verify(entry, []*Endorsement{e}); err == nil {
		t.Error("expected a single endorsement to be rejected against a threshold of 2")
	}
}

func TestVerifyRejectsDuplicateEndorserTowardThreshold(t *testing.T) {
	dir := NewDirectory(2)
	key := NewEndorserKey(1)
	dir.RegisterEndorser(key.NodeID, key.Public)

	entry := testEntry()
	e, err := key.Endorse(entry)
	if err != nil {
		t.Fatalf("Endorse failed: %v", err)
	}

	if err := dir.Verify(entry, []*Endorsement{e, e}); err == nil {
		t.Error("expected duplicate endorsements from the same signer to not satisfy the threshold")
	}
}

func TestVerifyRejectsUnknownEndorser(t *testing.T) {
	dir := NewDirectory(1)
	key := NewEndorserKey(1)
	// not registered with dir

	entry := testEntry()
	e, err := key.Endorse(entry)
	if err != nil {
		t.Fatalf("Endorse failed: %v", err)
	}

	if err := dir.Verify(entry, []*Endorsement{e}); err == nil {
		t.Error("expected an endorsement from an unregistered key to be rejected")
	}
}

func TestVerifyRejectsExpiredEntry(t *testing.T) {
	dir := NewDirectory(1)
	key := NewEndorserKey(1)
	dir.RegisterEndorser(key.NodeID, key.Public)

	entry := BootstrapEntry{Addr: "/ip4/203.0.113.1/tcp/4001", ValidUntil: time.Now().Add(-time.Minute)}
	e, err := key.Endorse(entry)
	if err != nil {
		t.Fatalf("Endorse failed: %v", err)
	}

	if err := dir.Verify(entry, []*Endorsement{e}); err == nil {
		t.Error("expected an expired entry to be rejected regardless of endorsements")
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	dir := NewDirectory(1)
	key := NewEndorserKey(1)
	dir.RegisterEndorser(key.NodeID, key.Public)

	entry := testEntry()
	e, err := key.Endorse(entry)
	if err != nil {
		t.Fatalf("Endorse failed: %v", err)
	}
	e.Sig[0] ^= 0xFF

	if err := dir.Verify(entry, []*Endorsement{e}); err == nil {
		t.Error("expected a tampered signature to fail verification")
	}
}

func TestLoadDirectoryFileReturnsQuorumEntriesOnly(t *testing.T) {
	keys := []*EndorserKey{NewEndorserKey(1), NewEndorserKey(2), NewEndorserKey(3)}
	entry := BootstrapEntry{Addr: "/ip4/203.0.113.1/tcp/4001/p2p/Qm...", ValidUntil: time.Now().Add(time.Hour)}
	underEntry := BootstrapEntry{Addr: "/ip4/198.51.100.1/tcp/4001/p2p/Qm...", ValidUntil: time.Now().Add(time.Hour)}

	endorse := func(e BootstrapEntry, ks []*EndorserKey) []directoryEndorsementFile {
		out := make([]directoryEndorsementFile, 0, len(ks))
		for _, k := range ks {
			sig, err := k.Endorse(e)
			if err != nil {
				t.Fatalf("Endorse failed: %v", err)
			}
			out = append(out, directoryEndorsementFile{NodeID: sig.NodeID, SigHex: hex.EncodeToString(sig.Sig)})
		}
		return out
	}

	file := directoryFile{}
	for _, k := range keys {
		pubBytes, err := k.Public.MarshalBinary()
		if err != nil {
			t.Fatalf("marshal public key failed: %v", err)
		}
		file.Endorsers = append(file.Endorsers, directoryEndorserFile{NodeID: k.NodeID, PublicKeyHex: hex.EncodeToString(pubBytes)})
	}
	file.Entries = append(file.Entries, directoryEntryFile{
		Addr:         entry.Addr,
		ValidUntil:   entry.ValidUntil,
		Endorsements: endorse(entry, keys[:2]),
	})
	file.Entries = append(file.Entries, directoryEntryFile{
		Addr:       underEntry.Addr,
		ValidUntil: underEntry.ValidUntil,
	})

	data, err := json.Marshal(file)
	if err != nil {
		t.Fatalf("marshal directory file failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "directory.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write directory file failed: %v", err)
	}

	trusted, err := LoadDirectoryFile(path, 2)
	if err != nil {
		t.Fatalf("LoadDirectoryFile failed: %v", err)
	}
	if len(trusted) != 1 || trusted[0] != entry.Addr {
		t.Errorf("expected only the quorum-endorsed entry %q, got %v", entry.Addr, trusted)
	}
}

func TestLoadDirectoryFileMissingReturnsNoError(t *testing.T) {
	trusted, err := LoadDirectoryFile(filepath.Join(t.TempDir(), "missing.json"), 2)
	if err != nil {
		t.Fatalf("expected no error for missing directory file, got %v", err)
	}
	if len(trusted) != 0 {
		t.Errorf("expected no trusted addrs, got %v", trusted)
	}
}
