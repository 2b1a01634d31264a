package livesession

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/genai"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Turn is one outbound user turn: instruction text plus an optional image.
type Turn struct {
	Text     string
	Image    []byte
	MIMEType string
}

// SetupOptions describe the model behavior sent in the handshake.
type SetupOptions struct {
	Model        string
	Temperature  float32
	Instructions string
}

func encodeSetup(opts SetupOptions) ([]byte, error) {
	setup := &genai.LiveClientSetup{
		Model: opts.Model,
		GenerationConfig: &genai.GenerationConfig{
			Temperature:        genai.Ptr(opts.Temperature),
			ResponseModalities: []genai.Modality{genai.ModalityText},
		},
	}
	if opts.Instructions != "" {
		setup.SystemInstruction = genai.NewContentFromText(opts.Instructions, genai.RoleUser)
	}
	return json.Marshal(&genai.LiveClientMessage{Setup: setup})
}

// encodeTurn orders the image part before the text part.
func encodeTurn(t Turn) ([]byte, error) {
	var parts []*genai.Part
	if len(t.Image) > 0 {
		mime := t.MIMEType
		if mime == "" {
			mime = "image/jpeg"
		}
		parts = append(parts, genai.NewPartFromBytes(t.Image, mime))
	}
	if t.Text != "" {
		parts = append(parts, genai.NewPartFromText(t.Text))
	}
	msg := &genai.LiveClientMessage{
		ClientContent: &genai.LiveClientContent{
			Turns:        []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
			TurnComplete: true,
		},
	}
	return json.Marshal(msg)
}

// serverFrame is the decoded subset of a server message the Manager acts on.
type serverFrame struct {
	setupComplete bool
	text          string
	turnComplete  bool
	goAway        bool
}

func decodeServer(data []byte) (serverFrame, error) {
	var msg genai.LiveServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return serverFrame{}, err
	}
	var f serverFrame
	f.setupComplete = msg.SetupComplete != nil
	f.goAway = msg.GoAway != nil
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			var b strings.Builder
			for _, p := range sc.ModelTurn.Parts {
				if p != nil && !p.Thought {
					b.WriteString(p.Text)
				}
			}
			f.text = b.String()
		}
		// An interrupted turn will not complete; flush what arrived.
		f.turnComplete = sc.TurnComplete || sc.Interrupted
	}
	return f, nil
}
