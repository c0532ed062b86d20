package server

import "skirmish/internal/power"

// assetAttributes is the wire form of an asset power record.
type assetAttributes struct {
	Class          string `json:"class,omitempty"`
	Specialization string `json:"specialization,omitempty" enum:"army,religion,civilization,economic,"`
	Army           int    `json:"army" minimum:"0"`
	Religion       int    `json:"religion" minimum:"0"`
	Civilization   int    `json:"civilization" minimum:"0"`
	Economic       int    `json:"economic" minimum:"0"`
}

func (a assetAttributes) snapshot() power.Snapshot {
	return power.Snapshot{
		Army:           a.Army,
		Religion:       a.Religion,
		Civilization:   a.Civilization,
		Economic:       a.Economic,
		Class:          a.Class,
		Specialization: a.Specialization,
	}
}
