package localstore

import "testing"

func TestSanitizeStoreID(t *testing.T) {
	if got := SanitizeStoreID("my store/v2"); got != "my_store_v2" {
		t.Fatalf("got %q", got)
	}
}

func TestStoredPathAndRemoteKey(t *testing.T) {
	path := StoredPath("test", "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824")
	want := "livestore-filesync-files/test/2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if path != want {
		t.Fatalf("got %q want %q", path, want)
	}
	if key := RemoteKey(path); key != "test/2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Fatalf("got %q", key)
	}
}
