package align

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ShapePose is the wire format for one shape's current world placement.
// Rotation is reported as XYZ Euler angles in degrees.
type ShapePose struct {
	Shape     string  `json:"shape"`
	Index     int     `json:"index"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	RX        float64 `json:"rx"`
	RY        float64 `json:"ry"`
	RZ        float64 `json:"rz"`
	Timestamp int64   `json:"timestamp"`
}

// Publisher publishes shape poses to MQTT and keeps the latest pose per
// shape for the combined topic and the HTTP status endpoint.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	poses         map[string]*ShapePose
	mu            sync.RWMutex
}

// NewPublisher creates a pose publisher. If client is nil, publishing is
// disabled (for testing).
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "scanmesh"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // QoS 0 for pose updates (fire and forget)
		retain:        true, // Retain for latest pose
		poses:         make(map[string]*ShapePose),
	}
}

// PublishShape publishes a shape's current transformation. The translation
// column of the current transform is the pose position; rotation comes from
// its Euler decomposition.
func (p *Publisher) PublishShape(s *Shape) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	name := s.Name()
	if name == "" {
		name = fmt.Sprintf("shape-%d", s.ReconstructionIndex())
	}

	m := s.Transformation(CurrentTransform)
	rx, ry, rz := EulerAngles(m)
	pose := &ShapePose{
		Shape:     name,
		Index:     s.ReconstructionIndex(),
		X:         m.T.X,
		Y:         m.T.Y,
		Z:         m.T.Z,
		RX:        rx * 180 / math.Pi,
		RY:        ry * 180 / math.Pi,
		RZ:        rz * 180 / math.Pi,
		Timestamp: time.Now().Unix(),
	}

	// Store pose for combined message
	p.mu.Lock()
	p.poses[name] = pose
	p.mu.Unlock()

	if err := p.publishIndividual(pose); err != nil {
		log.Printf("Error publishing pose for %s: %v", name, err)
		return err
	}

	if err := p.publishCombined(); err != nil {
		log.Printf("Error publishing combined poses: %v", err)
		return err
	}

	return nil
}

// PublishAll publishes every shape in the reconstruction, stopping at the
// first error.
func (p *Publisher) PublishAll(r *Reconstruction) error {
	for i := 0; i < r.NShapes(); i++ {
		if err := p.PublishShape(r.Shape(i)); err != nil {
			return err
		}
	}
	return nil
}

// publishIndividual publishes one pose to its per-shape topic
func (p *Publisher) publishIndividual(pose *ShapePose) error {
	topic := fmt.Sprintf("%s/%s", p.publishPrefix, pose.Shape)

	payload, err := json.Marshal(pose)
	if err != nil {
		return fmt.Errorf("marshaling pose: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	log.Printf("Published pose for %s: (%.3f, %.3f, %.3f)",
		pose.Shape, pose.X, pose.Y, pose.Z)
	return nil
}

// publishCombined publishes all known poses to the combined topic
func (p *Publisher) publishCombined() error {
	p.mu.RLock()
	poses := make([]*ShapePose, 0, len(p.poses))
	for _, pose := range p.poses {
		poses = append(poses, pose)
	}
	p.mu.RUnlock()

	if len(poses) == 0 {
		return nil
	}

	topic := fmt.Sprintf("%s/poses", p.publishPrefix)

	message := map[string]interface{}{
		"shapes":    poses,
		"timestamp": time.Now().Unix(),
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling combined poses: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	return nil
}

// GetPose returns the last published pose for a shape name
func (p *Publisher) GetPose(name string) (*ShapePose, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pose, ok := p.poses[name]
	return pose, ok
}

// GetAllPoses returns a copy of every known pose keyed by shape name
func (p *Publisher) GetAllPoses() map[string]*ShapePose {
	p.mu.RLock()
	defer p.mu.RUnlock()

	poses := make(map[string]*ShapePose, len(p.poses))
	for name, pose := range p.poses {
		poseCopy := *pose
		poses[name] = &poseCopy
	}
	return poses
}

// ClearPose drops a shape's stored pose (e.g. after it is removed)
func (p *Publisher) ClearPose(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.poses, name)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
