package od

import (
	"io"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("service", "[OD]")

// Handle designates an entry inside of an [ObjectDictionary]
// It stays valid as long as no entry is added to the dictionary.
type Handle int

// AccessKind tells how the value of a sub entry can be reached
type AccessKind uint8

const (
	AccessNone   AccessKind = iota // No memory and no hook, entry can't be transferred
	AccessDirect                   // Value is stored inside of the OD
	AccessHook                     // A hook is called, OD memory may also exist
)

// ObjectDictionary is used for storing all entries of a CANopen node
// according to CiA 301. This is the internal representation of an EDS file.
// Entries are kept sorted by index.
type ObjectDictionary struct {
	mu                 sync.RWMutex
	entries            []*Entry
	entriesByIndexName map[string]*Entry
}

func NewOD() *ObjectDictionary {
	return &ObjectDictionary{
		entriesByIndexName: make(map[string]*Entry),
	}
}

// addEntry inserts entry at its sorted position, replacing any entry
// with the same index
func (od *ObjectDictionary) addEntry(entry *Entry) {
	od.mu.Lock()
	defer od.mu.Unlock()
	pos := sort.Search(len(od.entries), func(i int) bool {
		return od.entries[i].Index >= entry.Index
	})
	if pos < len(od.entries) && od.entries[pos].Index == entry.Index {
		entry.logger.Warn("overwritting entry")
		delete(od.entriesByIndexName, od.entries[pos].Name)
		od.entries[pos] = entry
	} else {
		od.entries = append(od.entries, nil)
		copy(od.entries[pos+1:], od.entries[pos:])
		od.entries[pos] = entry
	}
	od.entriesByIndexName[entry.Name] = entry
	entry.logger.Debugf("adding entry %v (%v)", entry.Name, objectTypeNames[entry.ObjectType])
}

// AddVariableType adds a VAR (or DOMAIN) entry, value is parsed with
// [EncodeFromString] e.g. "0x22". An existing entry at index is replaced.
func (od *ObjectDictionary) AddVariableType(
	index uint16,
	name string,
	datatype uint8,
	attribute uint8,
	value string,
) (*Entry, error) {
	variable, err := NewVariable(0, name, datatype, attribute, value)
	if err != nil {
		return nil, err
	}
	objectType := ObjectTypeVAR
	if datatype == DOMAIN {
		objectType = ObjectTypeDOMAIN
	}
	entry := newEntry(index, name, variable, objectType)
	od.addEntry(entry)
	return entry, nil
}

// AddVariableList adds an entry of type ARRAY or RECORD depending on [VariableList]
func (od *ObjectDictionary) AddVariableList(index uint16, name string, varList *VariableList) *Entry {
	entry := newEntry(index, name, varList, varList.objectType)
	od.addEntry(entry)
	return entry
}

// AddFile adds a DOMAIN entry backed by the file at filePath.
// readMode and writeMode are the os.OpenFile flags used for uploads and
// downloads respectively.
func (od *ObjectDictionary) AddFile(index uint16, indexName string, filePath string, readMode int, writeMode int) *Entry {
	entry, _ := od.AddVariableType(index, indexName, DOMAIN, AttributeSdoRw, "")
	entry.logger.Infof("adding file hook %v", filePath)
	entry.AddHook(&FileObject{FilePath: filePath, ReadMode: readMode, WriteMode: writeMode})
	return entry
}

// AddReader adds a read only DOMAIN entry streaming from reader
func (od *ObjectDictionary) AddReader(index uint16, indexName string, reader io.Reader) *Entry {
	entry, _ := od.AddVariableType(index, indexName, DOMAIN, AttributeSdoR, "")
	entry.logger.Info("adding reader hook")
	entry.AddHook(&ReaderObject{Reader: reader})
	return entry
}

// Index looks an entry up by number (int, uint16) or by name.
// It returns nil when nothing matches, so that calls can be chained with
// [Entry.SubIndex] which handles the nil receiver.
func (od *ObjectDictionary) Index(index any) *Entry {
	switch ind := index.(type) {
	case string:
		od.mu.RLock()
		defer od.mu.RUnlock()
		return od.entriesByIndexName[ind]
	case int:
		if ind < 0 || ind > 0xFFFF {
			return nil
		}
		return od.entryAt(uint16(ind))
	case uint16:
		return od.entryAt(ind)
	default:
		return nil
	}
}

func (od *ObjectDictionary) entryAt(index uint16) *Entry {
	handle, ok := od.Find(index)
	if !ok {
		return nil
	}
	return od.Entry(handle)
}

// Find an entry by binary search over the sorted entries
func (od *ObjectDictionary) Find(index uint16) (Handle, bool) {
	od.mu.RLock()
	defer od.mu.RUnlock()
	pos := sort.Search(len(od.entries), func(i int) bool {
		return od.entries[i].Index >= index
	})
	if pos < len(od.entries) && od.entries[pos].Index == index {
		return Handle(pos), true
	}
	return -1, false
}

// Entry returns the entry designated by handle, nil if not found
func (od *ObjectDictionary) Entry(handle Handle) *Entry {
	od.mu.RLock()
	defer od.mu.RUnlock()
	if handle < 0 || int(handle) >= len(od.entries) {
		return nil
	}
	return od.entries[handle]
}

// Entries returns all the entries sorted by index
func (od *ObjectDictionary) Entries() []*Entry {
	od.mu.RLock()
	defer od.mu.RUnlock()
	entries := make([]*Entry, len(od.entries))
	copy(entries, od.entries)
	return entries
}

// Length returns the length of the value at subIndex.
// Domain entries return 0, their length is given by the transfer buffer.
func (od *ObjectDictionary) Length(handle Handle, subIndex uint8) uint32 {
	entry := od.Entry(handle)
	if entry == nil {
		return 0
	}
	if isArrayCount(entry, subIndex) {
		return 1
	}
	variable, err := entry.SubIndex(subIndex)
	if err != nil {
		return 0
	}
	return variable.DataLength()
}

// Attribute returns the attribute of the value at subIndex.
// Sub index 0 of an ARRAY is always read only.
func (od *ObjectDictionary) Attribute(handle Handle, subIndex uint8) uint8 {
	entry := od.Entry(handle)
	if entry == nil {
		return 0
	}
	if isArrayCount(entry, subIndex) {
		return AttributeSdoR
	}
	variable, err := entry.SubIndex(subIndex)
	if err != nil {
		return 0
	}
	return variable.Attribute
}

// Access tells how the value at subIndex can be transferred
func (od *ObjectDictionary) Access(handle Handle, subIndex uint8) AccessKind {
	entry := od.Entry(handle)
	if entry == nil {
		return AccessNone
	}
	if entry.hook != nil {
		return AccessHook
	}
	if isArrayCount(entry, subIndex) {
		return AccessDirect
	}
	variable, err := entry.SubIndex(subIndex)
	if err != nil || variable.IsDomain() {
		return AccessNone
	}
	return AccessDirect
}

func isArrayCount(entry *Entry, subIndex uint8) bool {
	return entry.ObjectType == ObjectTypeARRAY && subIndex == 0
}
