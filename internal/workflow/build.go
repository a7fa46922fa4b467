package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MaxLoraPairs is the hard cap on user LoRA pairs per segment.
const MaxLoraPairs = 2

// Lora is one LoRA file with its model strength.
type Lora struct {
	File   string
	Weight float64
}

// LoraPair selects a user LoRA per noise pass. Either side may be nil,
// in which case that pass keeps its existing chain for the slot.
type LoraPair struct {
	High *Lora
	Low  *Lora
}

// FaceswapParams enables the face swap stage on the decoded frames.
type FaceswapParams struct {
	Image       string
	FacesOrder  string
	FacesIndex  string
	SourceIndex string
}

// Params carries everything a segment render needs injected into the
// Wan2.2 image-to-video template.
type Params struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Frames         int
	FPS            int
	Seed           int64
	StartImage     string
	HighNoiseModel string
	LowNoiseModel  string
	OutputPrefix   string
	LoraPairs      []LoraPair
	Faceswap       *FaceswapParams
}

// BuildImageToVideo renders the Wan2.2 i2v graph for one segment. The
// result is canonical JSON: node ids and input keys marshal in sorted
// order, so identical params yield byte-identical output.
func BuildImageToVideo(p Params) (json.RawMessage, error) {
	if p.StartImage == "" {
		return nil, fmt.Errorf("build workflow: start image required")
	}
	if len(p.LoraPairs) > MaxLoraPairs {
		return nil, fmt.Errorf("build workflow: %d lora pairs, max %d", len(p.LoraPairs), MaxLoraPairs)
	}

	g := wanI2VTemplate.clone()

	setInput(g, nodePosPrompt, "text", p.Prompt)
	setInput(g, nodeNegPrompt, "text", p.NegativePrompt)
	setInput(g, nodeSamplerHigh, "noise_seed", p.Seed)
	setInput(g, nodeSamplerLow, "noise_seed", p.Seed)
	setInput(g, nodeLoadImage, "image", p.StartImage)
	setInput(g, nodeImageToVideo, "width", p.Width)
	setInput(g, nodeImageToVideo, "height", p.Height)
	setInput(g, nodeImageToVideo, "length", p.Frames)
	if p.FPS > 0 {
		setInput(g, nodeCreateVideo, "fps", p.FPS)
	}
	if p.HighNoiseModel != "" {
		setInput(g, nodeUNETHigh, "unet_name", p.HighNoiseModel)
	}
	if p.LowNoiseModel != "" {
		setInput(g, nodeUNETLow, "unet_name", p.LowNoiseModel)
	}
	setInput(g, nodeSaveVideo, "filename_prefix", "video/"+SanitizePrefix(p.OutputPrefix))

	insertLoraChain(g, p.LoraPairs)

	if p.Faceswap != nil && p.Faceswap.Image != "" {
		setInput(g, nodeFaceswap, "enabled", true)
		setInput(g, nodeFaceswap, "source_image", p.Faceswap.Image)
		if p.Faceswap.FacesOrder != "" {
			setInput(g, nodeFaceswap, "faces_order", p.Faceswap.FacesOrder)
		}
		if p.Faceswap.FacesIndex != "" {
			setInput(g, nodeFaceswap, "input_faces_index", p.Faceswap.FacesIndex)
		}
		if p.Faceswap.SourceIndex != "" {
			setInput(g, nodeFaceswap, "source_faces_index", p.Faceswap.SourceIndex)
		}
	}

	return json.Marshal(g)
}

// insertLoraChain splices the user LoRA loaders between each UNET
// loader and its acceleration LoRA. The chain is per pass: the high
// side hangs off the high UNET, the low side off the low UNET, and the
// acceleration LoRA always stays last before ModelSamplingSD3. A nil
// side leaves that pass's upstream unchanged for the slot.
func insertLoraChain(g Graph, pairs []LoraPair) {
	highUpstream := nodeUNETHigh
	lowUpstream := nodeUNETLow
	for i, pair := range pairs {
		if pair.High != nil {
			id := strconv.Itoa(userLoraHighBase + i)
			g[id] = loraNode(pair.High, highUpstream)
			highUpstream = id
		}
		if pair.Low != nil {
			id := strconv.Itoa(userLoraLowBase + i)
			g[id] = loraNode(pair.Low, lowUpstream)
			lowUpstream = id
		}
	}
	setInput(g, nodeAccelHigh, "model", []any{highUpstream, 0})
	setInput(g, nodeAccelLow, "model", []any{lowUpstream, 0})
}

func loraNode(l *Lora, upstream string) Node {
	return Node{
		ClassType: "LoraLoaderModelOnly",
		Inputs: map[string]any{
			"lora_name":      l.File,
			"strength_model": l.Weight,
			"model":          []any{upstream, 0},
		},
	}
}

// SimpleParams covers the legacy checkpoint workflows.
type SimpleParams struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	CFG            float64
	Denoise        float64
	Seed           int64
	Checkpoint     string
	Sampler        string
	Scheduler      string
	InputImage     string
	OutputPrefix   string
}

// BuildTextToImage renders the checkpoint txt2img graph.
func BuildTextToImage(p SimpleParams) (json.RawMessage, error) {
	g := txt2imgTemplate.clone()
	setInput(g, "5", "width", p.Width)
	setInput(g, "5", "height", p.Height)
	applySimple(g, p)
	return json.Marshal(g)
}

// BuildImageToImage renders the checkpoint img2img graph.
func BuildImageToImage(p SimpleParams) (json.RawMessage, error) {
	if p.InputImage == "" {
		return nil, fmt.Errorf("build workflow: input image required")
	}
	g := img2imgTemplate.clone()
	setInput(g, "1", "image", p.InputImage)
	if p.Denoise > 0 {
		setInput(g, "3", "denoise", p.Denoise)
	}
	applySimple(g, p)
	return json.Marshal(g)
}

func applySimple(g Graph, p SimpleParams) {
	setInput(g, "6", "text", p.Prompt)
	setInput(g, "7", "text", p.NegativePrompt)
	setInput(g, "3", "seed", p.Seed)
	if p.Steps > 0 {
		setInput(g, "3", "steps", p.Steps)
	}
	if p.CFG > 0 {
		setInput(g, "3", "cfg", p.CFG)
	}
	if p.Sampler != "" {
		setInput(g, "3", "sampler_name", p.Sampler)
	}
	if p.Scheduler != "" {
		setInput(g, "3", "scheduler", p.Scheduler)
	}
	if p.Checkpoint != "" {
		setInput(g, "4", "ckpt_name", p.Checkpoint)
	}
	if p.OutputPrefix != "" {
		setInput(g, "9", "filename_prefix", SanitizePrefix(p.OutputPrefix))
	}
}

func setInput(g Graph, id, key string, value any) {
	if node, ok := g[id]; ok {
		node.Inputs[key] = value
	}
}

// SanitizePrefix turns a job name into a filename prefix ComfyUI will
// accept: letters, digits, hyphen and underscore survive, everything
// else becomes an underscore, and runs of underscores collapse.
func SanitizePrefix(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range name {
		ok := r == '-' ||
			(r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9')
		if ok {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "video"
	}
	return out
}
