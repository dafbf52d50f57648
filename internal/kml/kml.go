// Package kml renders stored device positions as KML 2.2 documents for
// Google Earth and other mapping applications.
package kml

import (
	"encoding/xml"
	"fmt"
	"time"

	"sbd_decoder/internal/storage"
)

// KML structures for XML marshalling.
// These follow the KML 2.2 specification: https://developers.google.com/kml/documentation/kmlreference

// KML is the root element of a KML document.
type KML struct {
	XMLName   xml.Name `xml:"kml"`
	Namespace string   `xml:"xmlns,attr"`
	Document  Document `xml:"Document"`
}

// Document contains the document metadata and features.
type Document struct {
	Name        string      `xml:"name"`
	Description string      `xml:"description,omitempty"`
	Styles      []Style     `xml:"Style,omitempty"`
	Placemarks  []Placemark `xml:"Placemark"`
}

// Style defines the visual appearance of features.
type Style struct {
	ID        string    `xml:"id,attr"`
	IconStyle IconStyle `xml:"IconStyle"`
}

// IconStyle defines how icons are displayed.
type IconStyle struct {
	Scale float64 `xml:"scale,omitempty"`
	Icon  Icon    `xml:"Icon"`
}

// Icon specifies the icon image.
type Icon struct {
	Href string `xml:"href"`
}

// Placemark represents a geographic feature with geometry and metadata.
type Placemark struct {
	Name         string        `xml:"name"`
	Description  string        `xml:"description,omitempty"`
	StyleURL     string        `xml:"styleUrl,omitempty"`
	Point        Point         `xml:"Point"`
	ExtendedData *ExtendedData `xml:"ExtendedData,omitempty"`
}

// Point represents a geographic location.
type Point struct {
	Coordinates string `xml:"coordinates"` // Format: lon,lat,altitude
}

// ExtendedData holds custom data associated with a placemark.
type ExtendedData struct {
	Data []Data `xml:"Data"`
}

// Data represents a single piece of extended data.
type Data struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

// FromPositions builds a KML document from archived positions. Positions
// without decoded degrees (raw-only archive entries) are skipped since they
// cannot be placed on a map.
func FromPositions(deviceID string, positions []storage.ArchivePosition) KML {
	var placemarks []Placemark
	for _, p := range positions {
		if p.LatDeg == nil || p.LonDeg == nil {
			continue
		}

		// KML coordinates are in the format: longitude,latitude,altitude
		coords := fmt.Sprintf("%.6f,%.6f,0", *p.LonDeg, *p.LatDeg)

		name := fmt.Sprintf("fix %s", p.ReceivedAt.Format("2006-01-02 15:04:05"))
		style := "#currentFix"
		if p.Source == "history" {
			name = fmt.Sprintf("history[%d] %s", p.Index, p.ReceivedAt.Format("2006-01-02 15:04:05"))
			style = "#historyFix"
		}

		description := fmt.Sprintf("Frame #%d\nSource: %s\nReceived: %s",
			p.FrameID, p.Source, p.ReceivedAt.Format("2006-01-02 15:04:05 UTC"))

		placemarks = append(placemarks, Placemark{
			Name:        name,
			Description: description,
			StyleURL:    style,
			Point: Point{
				Coordinates: coords,
			},
			ExtendedData: &ExtendedData{
				Data: []Data{
					{Name: "source", Value: p.Source},
					{Name: "history_index", Value: fmt.Sprintf("%d", p.Index)},
					{Name: "received_at", Value: p.ReceivedAt.Format(time.RFC3339)},
					{Name: "lat_enc", Value: fmt.Sprintf("%d", p.LatEnc)},
					{Name: "lon_enc", Value: fmt.Sprintf("%d", p.LonEnc)},
				},
			},
		})
	}

	name := "SBD positions"
	if deviceID != "" {
		name = fmt.Sprintf("SBD positions for %s", deviceID)
	}

	return KML{
		Namespace: "http://www.opengis.net/kml/2.2",
		Document: Document{
			Name:        name,
			Description: fmt.Sprintf("Positions decoded from SBD frames. Generated %s.", time.Now().Format("2006-01-02 15:04:05")),
			Styles: []Style{
				{
					ID: "currentFix",
					IconStyle: IconStyle{
						Scale: 1.0,
						Icon: Icon{
							Href: "http://maps.google.com/mapfiles/kml/shapes/placemark_circle.png",
						},
					},
				},
				{
					ID: "historyFix",
					IconStyle: IconStyle{
						Scale: 0.6,
						Icon: Icon{
							Href: "http://maps.google.com/mapfiles/kml/shapes/shaded_dot.png",
						},
					},
				},
			},
			Placemarks: placemarks,
		},
	}
}

// Marshal renders the document as indented XML with the standard header.
func Marshal(k KML) (string, error) {
	data, err := xml.MarshalIndent(k, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal kml: %w", err)
	}
	return xml.Header + string(data), nil
}
