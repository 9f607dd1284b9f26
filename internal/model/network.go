package model

import (
	"fmt"
	"math"
	"strings"
)

type activation string

const (
	actLinear   activation = "linear"
	actReLU     activation = "relu"
	actSigmoid  activation = "sigmoid"
	actTanh     activation = "tanh"
	actSoftmax  activation = "softmax"
	actElu      activation = "elu"
	actSoftplus activation = "softplus"
)

func activationFor(name string) (activation, error) {
	switch a := activation(strings.ToLower(name)); a {
	case "":
		return actLinear, nil
	case actLinear, actReLU, actSigmoid, actTanh, actSoftmax, actElu, actSoftplus:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported activation %q", name)
	}
}

type layer struct {
	kind       string
	name       string
	in, out    int
	kernel     []float64 // row-major [in][out]
	bias       []float64
	activation activation
	rate       float64
}

// Network is a loaded feed-forward stack evaluated in inference mode
type Network struct {
	InputSize  int
	OutputSize int
	layers     []layer
}

// Forward runs x through every layer. Dropout is the identity at inference.
func (n *Network) Forward(x []float64) []float64 {
	cur := x
	for _, l := range n.layers {
		if l.kind != "Dense" {
			continue
		}
		next := make([]float64, l.out)
		for j := 0; j < l.out; j++ {
			sum := 0.0
			if l.bias != nil {
				sum = l.bias[j]
			}
			for i := 0; i < l.in; i++ {
				sum += cur[i] * l.kernel[i*l.out+j]
			}
			next[j] = sum
		}
		apply(l.activation, next)
		cur = next
	}
	return cur
}

// EndsWithSoftmax reports whether the last dense layer already normalizes
func (n *Network) EndsWithSoftmax() bool {
	for i := len(n.layers) - 1; i >= 0; i-- {
		if n.layers[i].kind == "Dense" {
			return n.layers[i].activation == actSoftmax
		}
	}
	return false
}

// Describe lists the layers one per line
func (n *Network) Describe() []string {
	out := make([]string, 0, len(n.layers))
	for _, l := range n.layers {
		switch l.kind {
		case "Dense":
			out = append(out, fmt.Sprintf("Dense %s %d->%d %s", l.name, l.in, l.out, l.activation))
		default:
			out = append(out, fmt.Sprintf("%s %s rate=%.2f", l.kind, l.name, l.rate))
		}
	}
	return out
}

func apply(a activation, v []float64) {
	switch a {
	case actReLU:
		for i, x := range v {
			if x < 0 {
				v[i] = 0
			}
		}
	case actSigmoid:
		for i, x := range v {
			v[i] = 1 / (1 + math.Exp(-x))
		}
	case actTanh:
		for i, x := range v {
			v[i] = math.Tanh(x)
		}
	case actElu:
		for i, x := range v {
			if x < 0 {
				v[i] = math.Exp(x) - 1
			}
		}
	case actSoftplus:
		for i, x := range v {
			v[i] = math.Log1p(math.Exp(x))
		}
	case actSoftmax:
		softmax(v)
	}
}

func softmax(v []float64) {
	hi := math.Inf(-1)
	for _, x := range v {
		if x > hi {
			hi = x
		}
	}
	sum := 0.0
	for i, x := range v {
		v[i] = math.Exp(x - hi)
		sum += v[i]
	}
	for i := range v {
		v[i] /= sum
	}
}

// normalize rescales non-negative values to sum to 1
func normalize(v []float64) bool {
	sum := 0.0
	for _, x := range v {
		if x < 0 || math.IsNaN(x) {
			return false
		}
		sum += x
	}
	if sum <= 0 || math.IsInf(sum, 0) {
		return false
	}
	for i := range v {
		v[i] /= sum
	}
	return true
}
