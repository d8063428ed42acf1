package ext4

// Directory represents a single directory in an ext4 filesystem
type Directory struct {
	directoryEntry
	root    bool
	entries directoryEntries
}

// findEntry returns the entry for the given name, or nil if the directory has no such entry
func (d *Directory) findEntry(name string) *directoryEntry {
	for _, e := range d.entries.Entries() {
		if e.filename == name {
			return e
		}
	}
	return nil
}
