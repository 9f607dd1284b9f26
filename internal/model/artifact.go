package model

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ManifestFile is the topology file inside a model directory
const ManifestFile = "model.json"

// artifact mirrors the TF.js layers-model JSON
type artifact struct {
	Format          string          `json:"format"`
	GeneratedBy     string          `json:"generatedBy"`
	ModelTopology   json.RawMessage `json:"modelTopology"`
	WeightsManifest []weightGroup   `json:"weightsManifest"`
}

type weightGroup struct {
	Paths   []string     `json:"paths"`
	Weights []weightSpec `json:"weights"`
}

type weightSpec struct {
	Name         string          `json:"name"`
	Shape        []int           `json:"shape"`
	DType        string          `json:"dtype"`
	Quantization json.RawMessage `json:"quantization,omitempty"`
}

type topology struct {
	ClassName   string          `json:"class_name"`
	Config      json.RawMessage `json:"config"`
	ModelConfig *topology       `json:"model_config,omitempty"`
}

type sequentialConfig struct {
	Name   string       `json:"name"`
	Layers []layerEntry `json:"layers"`
}

type layerEntry struct {
	ClassName string      `json:"class_name"`
	Config    layerConfig `json:"config"`
}

type layerConfig struct {
	Name            string  `json:"name"`
	Units           int     `json:"units"`
	Activation      string  `json:"activation"`
	UseBias         *bool   `json:"use_bias"`
	Rate            float64 `json:"rate"`
	BatchInputShape []*int  `json:"batch_input_shape"`
}

// readArtifact parses model.json in dir and returns its layers with weights attached
func readArtifact(dir string) (*Network, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read model manifest: %w", err)
	}
	var art artifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, fmt.Errorf("failed to parse model manifest: %w", err)
	}
	if art.Format != "" && art.Format != "layers-model" {
		return nil, fmt.Errorf("unsupported model format %q", art.Format)
	}

	entries, err := parseTopology(art.ModelTopology)
	if err != nil {
		return nil, err
	}
	weights, err := readWeights(dir, art.WeightsManifest)
	if err != nil {
		return nil, err
	}
	return build(entries, weights)
}

func parseTopology(raw json.RawMessage) ([]layerEntry, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("model manifest has no modelTopology")
	}
	var top topology
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("failed to parse modelTopology: %w", err)
	}
	// Keras-converted artifacts nest the model under model_config.
	if top.ModelConfig != nil {
		top = *top.ModelConfig
	}
	if top.ClassName != "Sequential" {
		return nil, fmt.Errorf("unsupported model class %q", top.ClassName)
	}

	var seq sequentialConfig
	if err := json.Unmarshal(top.Config, &seq); err != nil {
		// older exports store the layer list directly
		var layers []layerEntry
		if err2 := json.Unmarshal(top.Config, &layers); err2 != nil {
			return nil, fmt.Errorf("failed to parse sequential config: %w", err)
		}
		seq.Layers = layers
	}
	if len(seq.Layers) == 0 {
		return nil, fmt.Errorf("sequential model has no layers")
	}
	return seq.Layers, nil
}

// readWeights concatenates each group's shards and slices them per weight spec
func readWeights(dir string, groups []weightGroup) (map[string]tensor, error) {
	out := make(map[string]tensor)
	for _, g := range groups {
		var buf []byte
		for _, p := range g.Paths {
			if strings.Contains(p, "..") || filepath.IsAbs(p) {
				return nil, fmt.Errorf("weight shard path %q escapes model directory", p)
			}
			f, err := os.Open(filepath.Join(dir, p))
			if err != nil {
				return nil, fmt.Errorf("failed to open weight shard: %w", err)
			}
			b, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to read weight shard %s: %w", p, err)
			}
			buf = append(buf, b...)
		}

		offset := 0
		for _, w := range g.Weights {
			if w.DType != "" && w.DType != "float32" {
				return nil, fmt.Errorf("weight %s: unsupported dtype %s", w.Name, w.DType)
			}
			if len(w.Quantization) > 0 {
				return nil, fmt.Errorf("weight %s: quantized weights are not supported", w.Name)
			}
			avail := (len(buf) - offset) / 4
			n := 1
			for _, d := range w.Shape {
				if d <= 0 {
					return nil, fmt.Errorf("weight %s: invalid shape %v", w.Name, w.Shape)
				}
				// bounded by the bytes left in the shard, so n never overflows
				if n > avail/d {
					return nil, fmt.Errorf("weight %s: shard data too short for shape %v (%d bytes left)", w.Name, w.Shape, len(buf)-offset)
				}
				n *= d
			}
			end := offset + n*4
			if end > len(buf) {
				return nil, fmt.Errorf("weight %s: shard data too short (%d bytes, need %d)", w.Name, len(buf), end)
			}
			vals := make([]float64, n)
			for i := range vals {
				bits := binary.LittleEndian.Uint32(buf[offset+i*4:])
				vals[i] = float64(math.Float32frombits(bits))
			}
			out[w.Name] = tensor{shape: w.Shape, data: vals}
			offset = end
		}
	}
	return out, nil
}

type tensor struct {
	shape []int
	data  []float64
}

func findWeight(weights map[string]tensor, layer, suffix string) (tensor, error) {
	if t, ok := weights[layer+"/"+suffix]; ok {
		return t, nil
	}
	// TF.js may append a uniquifying suffix to the scope, e.g. dense_Dense1_1/kernel
	var matches []string
	for name := range weights {
		if strings.HasPrefix(name, layer+"_") && strings.HasSuffix(name, "/"+suffix) {
			matches = append(matches, name)
		}
	}
	switch len(matches) {
	case 0:
		return tensor{}, fmt.Errorf("%s weights missing", suffix)
	case 1:
		return weights[matches[0]], nil
	default:
		sort.Strings(matches)
		return tensor{}, fmt.Errorf("%s weights ambiguous: %s", suffix, strings.Join(matches, ", "))
	}
}

func build(entries []layerEntry, weights map[string]tensor) (*Network, error) {
	net := &Network{}
	prev := 0

	for i, e := range entries {
		cfg := e.Config
		if i == 0 && len(cfg.BatchInputShape) == 2 && cfg.BatchInputShape[1] != nil {
			prev = *cfg.BatchInputShape[1]
			net.InputSize = prev
		}

		switch e.ClassName {
		case "Dropout":
			net.layers = append(net.layers, layer{kind: "Dropout", name: cfg.Name, rate: cfg.Rate})
		case "Dense":
			act, err := activationFor(cfg.Activation)
			if err != nil {
				return nil, fmt.Errorf("layer %s: %w", cfg.Name, err)
			}
			kernel, err := findWeight(weights, cfg.Name, "kernel")
			if err != nil {
				return nil, fmt.Errorf("layer %s: %w", cfg.Name, err)
			}
			if len(kernel.shape) != 2 {
				return nil, fmt.Errorf("layer %s: kernel must be 2-D, got %v", cfg.Name, kernel.shape)
			}
			in, out := kernel.shape[0], kernel.shape[1]
			if prev == 0 {
				prev = in
				net.InputSize = in
			}
			if in != prev {
				return nil, fmt.Errorf("layer %s: expects %d inputs, previous layer yields %d", cfg.Name, in, prev)
			}
			if cfg.Units != 0 && cfg.Units != out {
				return nil, fmt.Errorf("layer %s: units %d do not match kernel %v", cfg.Name, cfg.Units, kernel.shape)
			}

			l := layer{kind: "Dense", name: cfg.Name, in: in, out: out, kernel: kernel.data, activation: act}
			if cfg.UseBias == nil || *cfg.UseBias {
				bias, err := findWeight(weights, cfg.Name, "bias")
				if err != nil {
					return nil, fmt.Errorf("layer %s: %w", cfg.Name, err)
				}
				if len(bias.data) != out {
					return nil, fmt.Errorf("layer %s: bias has %d values, want %d", cfg.Name, len(bias.data), out)
				}
				l.bias = bias.data
			}
			net.layers = append(net.layers, l)
			prev = out
		default:
			return nil, fmt.Errorf("unsupported layer type %q", e.ClassName)
		}
	}

	if prev == 0 {
		return nil, fmt.Errorf("model has no dense layers")
	}
	net.OutputSize = prev
	return net, nil
}
