// Package persistence writes archival data to disk.
package persistence

import (
	"encoding/json"
	"os"
	"path"
	"time"

	"github.com/m-lab/speedcore/internal/metrics"
)

// DataFile is the file where we save measurements.
type DataFile struct {
	// Prefix is the base directory.
	Prefix string
	// Datatype is the datatype (e.g. "throughput1").
	Datatype string
	// Subtest is the subtest name (e.g. "download").
	Subtest string
	// UUID is the unique identifier of the saved data.
	UUID string
	// Path is the full path of the written file.
	Path string
	// Size is the number of bytes written.
	Size int
}

// WriteDataFile serializes v as JSON and writes it to a file under
// <prefix>/<datatype>/YYYY/MM/DD/. The returned DataFile describes the file
// that was written.
func WriteDataFile(prefix, datatype, subtest, uuid string, v any) (*DataFile, error) {
	df, err := writeDataFile(prefix, datatype, subtest, uuid, v)
	if err != nil {
		metrics.ArchivalWrites.WithLabelValues(datatype, "error").Inc()
		return nil, err
	}
	metrics.ArchivalWrites.WithLabelValues(datatype, "ok").Inc()
	return df, nil
}

func writeDataFile(prefix, datatype, subtest, uuid string, v any) (*DataFile, error) {
	timestamp := time.Now().UTC()
	dir := path.Join(prefix, datatype, timestamp.Format("2006/01/02"))
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, err
	}
	filepath := path.Join(dir, datatype+"-"+subtest+"-"+
		timestamp.Format("20060102T150405.000000000Z")+"."+uuid+".json")

	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fp, err := os.OpenFile(filepath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	n, err := fp.Write(data)
	if err != nil {
		fp.Close()
		return nil, err
	}
	if err := fp.Close(); err != nil {
		return nil, err
	}
	return &DataFile{
		Prefix:   prefix,
		Datatype: datatype,
		Subtest:  subtest,
		UUID:     uuid,
		Path:     filepath,
		Size:     n,
	}, nil
}
