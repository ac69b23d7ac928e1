package store

import (
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"

	"github.com/sells-group/feedcat/internal/model"
)

func encodeSnapshot(snap *model.Snapshot) ([]byte, error) {
	if snap == nil {
		return nil, eris.New("store: nil snapshot")
	}
	data, err := json.Marshal(snap)
	return data, eris.Wrap(err, "store: marshal snapshot")
}

func decodeSnapshot(data []byte) (*model.Snapshot, error) {
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal snapshot")
	}
	return &snap, nil
}

func encodeOverlay(o model.CurationOverlay) ([]byte, error) {
	data, err := json.Marshal(o)
	return data, eris.Wrapf(err, "store: marshal curation %s", o.RecordID)
}

func decodeOverlay(data []byte) (model.CurationOverlay, error) {
	var o model.CurationOverlay
	err := json.Unmarshal(data, &o)
	return o, eris.Wrap(err, "store: unmarshal curation")
}
