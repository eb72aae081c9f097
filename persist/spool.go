package persist

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/fleetlab/vantage/ops"
)

// PayloadMeta is the sidecar metadata recorded for every spooled payload.
// The field names are part of the on-disk format.
type PayloadMeta struct {
	Filename            string `json:"filename"`
	PayloadSize         int    `json:"payloadSize"`
	CompressionRequired bool   `json:"compressionRequired"`
}

// spoolDoc is the shape of the spool's slice of the store metadata document.
type spoolDoc struct {
	Payloads []PayloadMeta `json:"payloads"`
}

// Spool stores telemetry payloads which could not be uploaded, so a retry
// task can republish them later. Payload files are named
// "<eventID>-<triggerTime>.bin" and tracked in the store metadata document.
type Spool struct {
	store  *Store
	logger ops.Logger
}

// NewSpool returns a Spool over |store|.
func NewSpool(store *Store, logger ops.Logger) *Spool {
	return &Spool{store: store, logger: logger}
}

// SpoolName returns the spool filename for an event.
func SpoolName(eventID uint32, triggerTimeMs int64) string {
	return fmt.Sprintf("%d-%d.bin", eventID, triggerTimeMs)
}

// StorePayload persists |payload| under |filename| and records its sidecar
// metadata. A quota failure is returned to the caller; the payload is
// dropped in that case.
func (s *Spool) StorePayload(filename string, payload []byte, compressed bool) error {
	if len(payload) == 0 {
		return fmt.Errorf("storing payload %q: empty payload", filename)
	}
	if err := s.store.Write(KindEdgeToCloudPayload, filename, payload); err != nil {
		return err
	}

	var doc spoolDoc
	_ = json.Unmarshal(s.store.Metadata(), &doc)
	doc.Payloads = append(doc.Payloads, PayloadMeta{
		Filename:            filename,
		PayloadSize:         len(payload),
		CompressionRequired: compressed,
	})

	var patch, err = json.Marshal(spoolDoc{Payloads: doc.Payloads})
	if err != nil {
		return fmt.Errorf("encoding spool metadata: %w", err)
	}
	if err = s.store.AddMetadata(patch); err != nil {
		return err
	}

	s.logger.Log(log.TraceLevel, log.Fields{
		"filename": filename,
		"bytes":    len(payload),
	}, "payload spooled")
	return nil
}

// CollectPayloads returns the metadata of all spooled payloads and clears
// the metadata document. Callers retrieve each payload and either republish
// it or re-store it on failure.
func (s *Spool) CollectPayloads() ([]PayloadMeta, error) {
	var doc spoolDoc
	if err := json.Unmarshal(s.store.Metadata(), &doc); err != nil {
		return nil, fmt.Errorf("decoding spool metadata: %w", err)
	}
	if len(doc.Payloads) == 0 {
		return nil, nil
	}
	if err := s.store.ClearMetadata(); err != nil {
		return nil, err
	}
	return doc.Payloads, nil
}

// RetrievePayload reads and erases a spooled payload. The erase happens even
// when the read fails, so a corrupt file cannot wedge the retry loop.
func (s *Spool) RetrievePayload(filename string) ([]byte, error) {
	var data, err = s.store.Read(KindEdgeToCloudPayload, filename)
	_ = s.store.Erase(KindEdgeToCloudPayload, filename)
	if err != nil {
		return nil, err
	}
	return data, nil
}
