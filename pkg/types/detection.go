package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Detection is one bounding box predicted by the remote model.
// X and Y are the box center in source pixels.
type Detection struct {
	ClassID    int     `json:"class"`
	ClassName  string  `json:"class_name,omitempty"`
	Confidence float64 `json:"confidence"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

// Left returns the x coordinate of the box's left edge.
func (d Detection) Left() float64 { return d.X - d.Width/2 }

// Top returns the y coordinate of the box's top edge.
func (d Detection) Top() float64 { return d.Y - d.Height/2 }

// UnmarshalJSON accepts both the relay shape ("class": 10) and the upstream
// shape ("class": "helmet", "class_id": 10).
func (d *Detection) UnmarshalJSON(data []byte) error {
	var raw struct {
		Class      json.RawMessage `json:"class"`
		ClassID    *int            `json:"class_id"`
		ClassName  string          `json:"class_name"`
		Confidence float64         `json:"confidence"`
		X          float64         `json:"x"`
		Y          float64         `json:"y"`
		Width      float64         `json:"width"`
		Height     float64         `json:"height"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*d = Detection{
		ClassID:    -1,
		ClassName:  raw.ClassName,
		Confidence: raw.Confidence,
		X:          raw.X,
		Y:          raw.Y,
		Width:      raw.Width,
		Height:     raw.Height,
	}

	if len(raw.Class) > 0 && string(raw.Class) != "null" {
		var id int
		var name string
		switch {
		case json.Unmarshal(raw.Class, &id) == nil:
			d.ClassID = id
		case json.Unmarshal(raw.Class, &name) == nil:
			if n, err := strconv.Atoi(name); err == nil {
				d.ClassID = n
			} else if d.ClassName == "" {
				d.ClassName = name
			}
		default:
			return fmt.Errorf("invalid class value: %s", raw.Class)
		}
	}
	if raw.ClassID != nil {
		d.ClassID = *raw.ClassID
	}
	return nil
}

// ImageSize mirrors the relay's "image" object.
type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// RelayResponse is the JSON body returned by the relay endpoint.
type RelayResponse struct {
	Success     bool        `json:"success"`
	Predictions []Detection `json:"predictions"`
	Image       ImageSize   `json:"image"`
	Time        float64     `json:"time"`
}

// RelayResult is the normalized outcome of one relay call.
type RelayResult struct {
	Predictions []Detection
	ImageWidth  int
	ImageHeight int
	ElapsedTime time.Duration
	Simulated   bool
}

// FromResponse converts the wire response into a RelayResult.
func FromResponse(resp RelayResponse) *RelayResult {
	preds := resp.Predictions
	if preds == nil {
		preds = []Detection{}
	}
	return &RelayResult{
		Predictions: preds,
		ImageWidth:  resp.Image.Width,
		ImageHeight: resp.Image.Height,
		ElapsedTime: time.Duration(resp.Time * float64(time.Second)),
	}
}

// Response converts a RelayResult back into its wire form.
func (r *RelayResult) Response() RelayResponse {
	preds := r.Predictions
	if preds == nil {
		preds = []Detection{}
	}
	return RelayResponse{
		Success:     true,
		Predictions: preds,
		Image:       ImageSize{Width: r.ImageWidth, Height: r.ImageHeight},
		Time:        r.ElapsedTime.Seconds(),
	}
}
