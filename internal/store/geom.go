package store

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"

	"github.com/sells-group/evv-cli/internal/model"
)

const srid = 4326

// encodePoint converts a GeoPoint to EWKB with SRID 4326 for PostGIS.
// Returns nil for a nil point.
func encodePoint(p *model.GeoPoint) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	g := geom.NewPointFlat(geom.XY, []float64{p.Longitude, p.Latitude}).SetSRID(srid)
	data, err := ewkb.Marshal(g, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "store: encode point")
	}
	return data, nil
}

// decodePoint parses EWKB produced by ST_AsEWKB. accuracy is carried in its
// own column and attached to the result.
func decodePoint(data []byte, accuracy *float64) (*model.GeoPoint, error) {
	if len(data) == 0 {
		return nil, nil
	}
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return nil, eris.Wrap(err, "store: decode point")
	}
	pt, ok := g.(*geom.Point)
	if !ok {
		return nil, eris.Errorf("store: expected point geometry, got %T", g)
	}
	out := &model.GeoPoint{Longitude: pt.X(), Latitude: pt.Y()}
	if accuracy != nil {
		out.AccuracyMeters = *accuracy
	}
	return out, nil
}

func pointAccuracy(p *model.GeoPoint) *float64 {
	if p == nil {
		return nil
	}
	a := p.AccuracyMeters
	return &a
}
