package persistence

import (
	"encoding/json"
	"os"
	"path"
	"time"
)

// DataFile is a file where we saved a JSON record.
type DataFile struct {
	// Prefix is the base directory.
	Prefix string
	// Datatype is the kind of record, e.g. "thankyou".
	Datatype string
	// Subtest further qualifies the record.
	Subtest string
	// UUID identifies the record.
	UUID string

	// Path is the full path of the written file.
	Path string
	// Size is the number of bytes written.
	Size int
}

// WriteDataFile marshals data as JSON and writes it to a new file under
// datadir/datatype/yyyy/mm/dd/.
func WriteDataFile(datadir, datatype, subtest, uuid string, data interface{}) (*DataFile, error) {
	timestamp := time.Now().UTC()
	dir := path.Join(datadir, datatype, timestamp.Format("2006/01/02"))
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, err
	}
	filepath := path.Join(dir, datatype+"-"+subtest+"-"+
		timestamp.Format("20060102T150405.000000000Z")+"."+uuid+".json")

	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	fp, err := os.OpenFile(filepath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	n, err := fp.Write(b)
	if err != nil {
		fp.Close()
		return nil, err
	}
	if err := fp.Close(); err != nil {
		return nil, err
	}
	return &DataFile{
		Prefix:   datadir,
		Datatype: datatype,
		Subtest:  subtest,
		UUID:     uuid,
		Path:     filepath,
		Size:     n,
	}, nil
}
