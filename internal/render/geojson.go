// Package render exports stops and planned routes as GeoJSON for map
// viewers.
package render

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"lastmile/internal/opt"
	"lastmile/internal/stops"
)

// GeoJSON returns a FeatureCollection with a Point per stop and a
// LineString per non-empty route. Route sequences index into stops.
func GeoJSON(list []stops.Stop, routes []opt.RouteResult, dropped []int, depot int) (*geojson.FeatureCollection, error) {
	fc := geojson.NewFeatureCollection()
	isDropped := make(map[int]bool, len(dropped))
	for _, d := range dropped {
		isDropped[d] = true
	}

	for i, s := range list {
		f := geojson.NewFeature(orb.Point{s.Lon, s.Lat})
		f.Properties["id"] = s.ID
		f.Properties["index"] = i
		f.Properties["priority"] = s.Priority
		f.Properties["demand"] = s.Demand
		f.Properties["depot"] = i == depot
		f.Properties["dropped"] = isDropped[i]
		fc.Append(f)
	}

	for _, rt := range routes {
		if len(rt.Sequence) <= 2 {
			continue
		}
		line := make(orb.LineString, 0, len(rt.Sequence))
		for _, idx := range rt.Sequence {
			if idx < 0 || idx >= len(list) {
				return nil, fmt.Errorf("render: route %d references stop %d of %d", rt.VehicleID, idx, len(list))
			}
			line = append(line, orb.Point{list[idx].Lon, list[idx].Lat})
		}
		f := geojson.NewFeature(line)
		f.Properties["vehicleId"] = rt.VehicleID
		f.Properties["distance"] = rt.TotalDistance
		f.Properties["time"] = rt.TotalTime
		f.Properties["load"] = rt.Load
		fc.Append(f)
	}
	return fc, nil
}
