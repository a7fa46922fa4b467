// Package workflow builds ready-to-submit ComfyUI graphs by injecting
// per-segment values into static templates. The templates live in this
// file only, so a template bump is a one-file change.
package workflow

// Node is one entry of a ComfyUI API-format graph.
type Node struct {
	ClassType string            `json:"class_type"`
	Inputs    map[string]any    `json:"inputs"`
	Meta      map[string]string `json:"_meta,omitempty"`
}

// Graph is a ComfyUI workflow in API format, keyed by node id.
type Graph map[string]Node

// clone deep-copies a graph so mutation never touches the template.
func (g Graph) clone() Graph {
	out := make(Graph, len(g))
	for id, node := range g {
		inputs := make(map[string]any, len(node.Inputs))
		for k, v := range node.Inputs {
			if arr, ok := v.([]any); ok {
				cp := make([]any, len(arr))
				copy(cp, arr)
				inputs[k] = cp
				continue
			}
			inputs[k] = v
		}
		var meta map[string]string
		if node.Meta != nil {
			meta = make(map[string]string, len(node.Meta))
			for k, v := range node.Meta {
				meta[k] = v
			}
		}
		out[id] = Node{ClassType: node.ClassType, Inputs: inputs, Meta: meta}
	}
	return out
}

// Node ids of the Wan2.2 i2v template that the mutator touches.
const (
	nodeSamplerLow   = "85" // KSamplerAdvanced, low noise pass
	nodeSamplerHigh  = "86" // KSamplerAdvanced, high noise pass (owns the seed)
	nodeNegPrompt    = "89"
	nodePosPrompt    = "93"
	nodeCreateVideo  = "94"
	nodeUNETHigh     = "95"
	nodeUNETLow      = "96"
	nodeLoadImage    = "97"
	nodeImageToVideo = "98"
	nodeAccelHigh    = "101" // lightx2v acceleration LoRA, high pass
	nodeAccelLow     = "102" // lightx2v acceleration LoRA, low pass
	nodeFaceswap     = "110"
	nodeSaveVideo    = "108"
)

// Synthetic id prefixes for user LoRA loader nodes inserted between the
// UNET loaders and the acceleration LoRAs. Kept numeric and fixed so
// identical inputs produce byte-identical graphs.
const (
	userLoraHighBase = 120
	userLoraLowBase  = 125
)

// wanI2VTemplate is the Wan2.2 14B image-to-video workflow, converted
// from the ComfyUI UI export to API format. Two parallel model chains
// (high noise, low noise) end in the advanced samplers; each chain is
// UNET loader -> acceleration LoRA -> ModelSamplingSD3 -> sampler.
var wanI2VTemplate = Graph{
	"84": {
		ClassType: "CLIPLoader",
		Inputs: map[string]any{
			"clip_name": "umt5_xxl_fp8_e4m3fn_scaled.safetensors",
			"type":      "wan",
			"device":    "default",
		},
	},
	nodeSamplerLow: {
		ClassType: "KSamplerAdvanced",
		Inputs: map[string]any{
			"add_noise":                   "disable",
			"noise_seed":                  int64(0),
			"control_after_generate":      "fixed",
			"steps":                       4,
			"cfg":                         1,
			"sampler_name":                "euler",
			"scheduler":                   "simple",
			"start_at_step":               2,
			"end_at_step":                 4,
			"return_with_leftover_noise":  "disable",
			"model":                       []any{"103", 0},
			"positive":                    []any{nodeImageToVideo, 0},
			"negative":                    []any{nodeImageToVideo, 1},
			"latent_image":                []any{nodeSamplerHigh, 0},
		},
	},
	nodeSamplerHigh: {
		ClassType: "KSamplerAdvanced",
		Inputs: map[string]any{
			"add_noise":                   "enable",
			"noise_seed":                  int64(0),
			"control_after_generate":      "fixed",
			"steps":                       4,
			"cfg":                         1,
			"sampler_name":                "euler",
			"scheduler":                   "simple",
			"start_at_step":               0,
			"end_at_step":                 2,
			"return_with_leftover_noise":  "enable",
			"model":                       []any{"104", 0},
			"positive":                    []any{nodeImageToVideo, 0},
			"negative":                    []any{nodeImageToVideo, 1},
			"latent_image":                []any{nodeImageToVideo, 2},
		},
	},
	"87": {
		ClassType: "VAEDecode",
		Inputs: map[string]any{
			"samples": []any{nodeSamplerLow, 0},
			"vae":     []any{"90", 0},
		},
	},
	nodeNegPrompt: {
		ClassType: "CLIPTextEncode",
		Inputs: map[string]any{
			"text": "",
			"clip": []any{"84", 0},
		},
	},
	"90": {
		ClassType: "VAELoader",
		Inputs: map[string]any{
			"vae_name": "wan_2.1_vae.safetensors",
		},
	},
	nodePosPrompt: {
		ClassType: "CLIPTextEncode",
		Inputs: map[string]any{
			"text": "",
			"clip": []any{"84", 0},
		},
	},
	nodeCreateVideo: {
		ClassType: "CreateVideo",
		Inputs: map[string]any{
			"fps":    16,
			"images": []any{nodeFaceswap, 0},
		},
	},
	nodeUNETHigh: {
		ClassType: "UNETLoader",
		Inputs: map[string]any{
			"unet_name":    "wan2.2_i2v_high_noise_14B_fp16.safetensors",
			"weight_dtype": "default",
		},
	},
	nodeUNETLow: {
		ClassType: "UNETLoader",
		Inputs: map[string]any{
			"unet_name":    "wan2.2_i2v_low_noise_14B_fp16.safetensors",
			"weight_dtype": "default",
		},
	},
	nodeLoadImage: {
		ClassType: "LoadImage",
		Inputs: map[string]any{
			"image":  "",
			"upload": "image",
		},
	},
	nodeImageToVideo: {
		ClassType: "WanImageToVideo",
		Inputs: map[string]any{
			"width":       640,
			"height":      640,
			"length":      81,
			"batch_size":  1,
			"positive":    []any{nodePosPrompt, 0},
			"negative":    []any{nodeNegPrompt, 0},
			"vae":         []any{"90", 0},
			"start_image": []any{nodeLoadImage, 0},
		},
	},
	nodeAccelHigh: {
		ClassType: "LoraLoaderModelOnly",
		Inputs: map[string]any{
			"lora_name":      "wan2.2_i2v_lightx2v_4steps_lora_v1_high_noise.safetensors",
			"strength_model": 1.0,
			"model":          []any{nodeUNETHigh, 0},
		},
		Meta: map[string]string{"title": "Accel High"},
	},
	nodeAccelLow: {
		ClassType: "LoraLoaderModelOnly",
		Inputs: map[string]any{
			"lora_name":      "wan2.2_i2v_lightx2v_4steps_lora_v1_low_noise.safetensors",
			"strength_model": 1.0,
			"model":          []any{nodeUNETLow, 0},
		},
		Meta: map[string]string{"title": "Accel Low"},
	},
	"103": {
		ClassType: "ModelSamplingSD3",
		Inputs: map[string]any{
			"shift": 5.0,
			"model": []any{nodeAccelLow, 0},
		},
	},
	"104": {
		ClassType: "ModelSamplingSD3",
		Inputs: map[string]any{
			"shift": 5.0,
			"model": []any{nodeAccelHigh, 0},
		},
	},
	nodeFaceswap: {
		ClassType: "ReActorFaceSwap",
		Inputs: map[string]any{
			"enabled":                        false,
			"input_image":                    []any{"87", 0},
			"source_image":                   "",
			"swap_model":                     "inswapper_128.onnx",
			"facedetection":                  "retinaface_resnet50",
			"face_restore_model":             "none",
			"face_restore_visibility":        1.0,
			"codeformer_weight":              0.5,
			"detect_gender_input":            "no",
			"detect_gender_source":           "no",
			"faces_order":                    "large-small",
			"input_faces_index":              "0",
			"source_faces_index":             "0",
			"console_log_level":              1,
		},
	},
	nodeSaveVideo: {
		ClassType: "SaveVideo",
		Inputs: map[string]any{
			"filename_prefix": "video/ComfyUI",
			"format":          "auto",
			"codec":           "auto",
			"video":           []any{nodeCreateVideo, 0},
		},
	},
}

// txt2imgTemplate is the simple checkpoint text-to-image workflow kept
// for the legacy workflow kinds.
var txt2imgTemplate = Graph{
	"3": {
		ClassType: "KSampler",
		Inputs: map[string]any{
			"cfg":          7.0,
			"denoise":      1.0,
			"latent_image": []any{"5", 0},
			"model":        []any{"4", 0},
			"negative":     []any{"7", 0},
			"positive":     []any{"6", 0},
			"sampler_name": "euler",
			"scheduler":    "normal",
			"seed":         int64(0),
			"steps":        20,
		},
	},
	"4": {
		ClassType: "CheckpointLoaderSimple",
		Inputs:    map[string]any{"ckpt_name": "v1-5-pruned.safetensors"},
	},
	"5": {
		ClassType: "EmptyLatentImage",
		Inputs:    map[string]any{"batch_size": 1, "height": 512, "width": 512},
	},
	"6": {
		ClassType: "CLIPTextEncode",
		Inputs:    map[string]any{"clip": []any{"4", 1}, "text": ""},
	},
	"7": {
		ClassType: "CLIPTextEncode",
		Inputs:    map[string]any{"clip": []any{"4", 1}, "text": ""},
	},
	"8": {
		ClassType: "VAEDecode",
		Inputs:    map[string]any{"samples": []any{"3", 0}, "vae": []any{"4", 2}},
	},
	"9": {
		ClassType: "SaveImage",
		Inputs:    map[string]any{"filename_prefix": "ComfyUI", "images": []any{"8", 0}},
	},
}

// img2imgTemplate is the checkpoint image-to-image variant.
var img2imgTemplate = Graph{
	"1": {
		ClassType: "LoadImage",
		Inputs:    map[string]any{"image": ""},
	},
	"2": {
		ClassType: "VAEEncode",
		Inputs:    map[string]any{"pixels": []any{"1", 0}, "vae": []any{"4", 2}},
	},
	"3": {
		ClassType: "KSampler",
		Inputs: map[string]any{
			"cfg":          7.0,
			"denoise":      0.75,
			"latent_image": []any{"2", 0},
			"model":        []any{"4", 0},
			"negative":     []any{"7", 0},
			"positive":     []any{"6", 0},
			"sampler_name": "euler",
			"scheduler":    "normal",
			"seed":         int64(0),
			"steps":        20,
		},
	},
	"4": {
		ClassType: "CheckpointLoaderSimple",
		Inputs:    map[string]any{"ckpt_name": "v1-5-pruned.safetensors"},
	},
	"6": {
		ClassType: "CLIPTextEncode",
		Inputs:    map[string]any{"clip": []any{"4", 1}, "text": ""},
	},
	"7": {
		ClassType: "CLIPTextEncode",
		Inputs:    map[string]any{"clip": []any{"4", 1}, "text": ""},
	},
	"8": {
		ClassType: "VAEDecode",
		Inputs:    map[string]any{"samples": []any{"3", 0}, "vae": []any{"4", 2}},
	},
	"9": {
		ClassType: "SaveImage",
		Inputs:    map[string]any{"filename_prefix": "ComfyUI", "images": []any{"8", 0}},
	},
}
