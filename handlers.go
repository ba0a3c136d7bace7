package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/scanmesh/scanmesh/align"
)

// newHTTPServer creates the HTTP handler serving pose and health endpoints
func newHTTPServer(r *align.Reconstruction, publisher *align.Publisher) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Shapes    int       `json:"shapes"`
			Features  int       `json:"features"`
			Matches   int       `json:"matches"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Shapes:    r.NShapes(),
			Features:  r.NFeatures(),
			Matches:   r.NMatches(),
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("Error encoding health status: %v", err)
		}
	})

	// Current poses endpoint. Prefers the publisher's stored poses when MQTT
	// is running, otherwise reads the transforms directly.
	mux.HandleFunc("/api/poses", func(w http.ResponseWriter, req *http.Request) {
		poses := collectPoses(r, publisher)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		response := struct {
			Shapes    []*align.ShapePose `json:"shapes"`
			Timestamp int64              `json:"timestamp"`
		}{
			Shapes:    poses,
			Timestamp: time.Now().Unix(),
		}
		if err := json.NewEncoder(w).Encode(response); err != nil {
			log.Printf("Error encoding poses: %v", err)
		}
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		log.Printf("[HTTP] %s %s from %s", req.Method, req.URL.Path, req.RemoteAddr)
		mux.ServeHTTP(w, req)
	})
}

// collectPoses builds the pose list in shape order
func collectPoses(r *align.Reconstruction, publisher *align.Publisher) []*align.ShapePose {
	poses := make([]*align.ShapePose, 0, r.NShapes())

	var published map[string]*align.ShapePose
	if publisher != nil {
		published = publisher.GetAllPoses()
	}

	for i := 0; i < r.NShapes(); i++ {
		s := r.Shape(i)
		name := s.Name()
		if name == "" {
			name = fmt.Sprintf("shape-%d", i)
		}

		if pose, ok := published[name]; ok {
			poses = append(poses, pose)
			continue
		}

		m := s.Transformation(align.CurrentTransform)
		rx, ry, rz := align.EulerAngles(m)
		poses = append(poses, &align.ShapePose{
			Shape:     name,
			Index:     i,
			X:         m.T.X,
			Y:         m.T.Y,
			Z:         m.T.Z,
			RX:        rx * 180 / math.Pi,
			RY:        ry * 180 / math.Pi,
			RZ:        rz * 180 / math.Pi,
			Timestamp: time.Now().Unix(),
		})
	}

	return poses
}
