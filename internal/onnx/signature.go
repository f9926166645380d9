package onnx

import (
	"fmt"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
)

type encoderSignature struct {
	pixels string
	output string
}

type decoderSignature struct {
	inputIDs      string
	attentionMask string
	encoderHidden string
	encoderMask   string
	logits        string
	vocabSize     int64
}

// inputNames is the order tensors are passed to the decoder session.
func (s decoderSignature) inputNames() []string {
	names := []string{s.inputIDs}
	if s.attentionMask != "" {
		names = append(names, s.attentionMask)
	}
	names = append(names, s.encoderHidden)
	if s.encoderMask != "" {
		names = append(names, s.encoderMask)
	}
	return names
}

func resolveEncoder(inputs, outputs []ort.InputOutputInfo) (encoderSignature, error) {
	var sig encoderSignature
	switch {
	case hasInput(inputs, "pixel_values"):
		sig.pixels = "pixel_values"
	case len(inputs) == 1:
		sig.pixels = inputs[0].Name
	default:
		return sig, fmt.Errorf("cannot identify pixel input among %v", names(inputs))
	}
	if info, ok := find(inputs, sig.pixels); ok && info.DataType != ort.TensorElementDataTypeFloat {
		return sig, fmt.Errorf("pixel input %q is %s, expected float32", sig.pixels, info.DataType)
	}

	switch {
	case hasInput(outputs, "last_hidden_state"):
		sig.output = "last_hidden_state"
	case len(outputs) > 0:
		sig.output = outputs[0].Name
	default:
		return sig, fmt.Errorf("graph has no outputs")
	}
	return sig, nil
}

// resolveDecoder maps the text decoder inputs. Graphs with a key/value
// cache are rejected since generation replays the whole prefix each step.
func resolveDecoder(inputs, outputs []ort.InputOutputInfo) (decoderSignature, error) {
	var sig decoderSignature
	for _, in := range inputs {
		switch {
		case in.Name == "input_ids":
			sig.inputIDs = in.Name
		case in.Name == "attention_mask":
			sig.attentionMask = in.Name
		case in.Name == "encoder_hidden_states":
			sig.encoderHidden = in.Name
		case in.Name == "encoder_attention_mask":
			sig.encoderMask = in.Name
		case strings.HasPrefix(in.Name, "past_key_values") || in.Name == "use_cache_branch":
			return sig, fmt.Errorf("decoder graphs with a key/value cache are not supported (input %q)", in.Name)
		default:
			return sig, fmt.Errorf("unexpected decoder input %q", in.Name)
		}
	}
	if sig.inputIDs == "" || sig.encoderHidden == "" {
		return sig, fmt.Errorf("decoder needs input_ids and encoder_hidden_states, has %v", names(inputs))
	}
	if info, _ := find(inputs, sig.inputIDs); info.DataType != ort.TensorElementDataTypeInt64 {
		return sig, fmt.Errorf("input_ids is %s, expected int64", info.DataType)
	}

	logits, ok := find(outputs, "logits")
	if !ok {
		if len(outputs) == 0 {
			return sig, fmt.Errorf("graph has no outputs")
		}
		logits = outputs[0]
	}
	sig.logits = logits.Name
	if dims := logits.Dimensions; len(dims) == 3 && dims[2] > 0 {
		sig.vocabSize = dims[2]
	}
	return sig, nil
}

func find(infos []ort.InputOutputInfo, name string) (ort.InputOutputInfo, bool) {
	for _, info := range infos {
		if info.Name == name {
			return info, true
		}
	}
	return ort.InputOutputInfo{}, false
}

func hasInput(infos []ort.InputOutputInfo, name string) bool {
	_, ok := find(infos, name)
	return ok
}

func names(infos []ort.InputOutputInfo) []string {
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.Name)
	}
	return out
}
