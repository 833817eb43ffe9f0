package main

import (
	"os"

	"github.com/banshee-data/beacon.report/internal/frame"
	"github.com/banshee-data/beacon.report/internal/ingest"
)

func ingestBatch(id string, meters float64) ingest.Batch {
	return ingest.Batch{
		Format:   frame.FormatSimple,
		Readings: []frame.BeaconReading{{BeaconID: id, DistanceMeters: meters}},
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
