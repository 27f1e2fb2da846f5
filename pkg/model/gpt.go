package model

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
)

const (
	modelMagic   int32 = 20240326
	modelVersion int32 = 2

	// WeightsFile is the file name used inside checkpoint directories.
	WeightsFile = "model.bin"
)

// GPT is a decoder-only transformer with contiguous parameter memory.
type GPT struct {
	family string
	cfg    Config

	params ParameterTensors
	grads  ParameterTensors

	acts     ActivationTensors
	gradActs ActivationTensors

	batchSize int
	seqLen    int
	inputs    []int32
	targets   []int32
	meanLoss  float32

	dec decodeScratch
}

// decodeScratch holds the per-token buffers of the incremental forward path.
type decodeScratch struct {
	x      []float32
	norm   []float32
	qkv    []float32
	atty   []float32
	scores []float32
	hidden []float32
	gelu   []float32
	proj   []float32
	logits []float32
}

// Cache is the decode state carried between Forward calls: the per-layer key
// and value vectors of every position processed so far.
type Cache struct {
	keys [][]float32
	vals [][]float32
	n    int
}

// Len returns the number of cached positions.
func (c *Cache) Len() int { return c.n }

func newGPT(family string, cfg Config) (*GPT, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &GPT{family: family, cfg: cfg, meanLoss: -1.0}
	m.params.Init(cfg.VocabSize, cfg.Channels, cfg.MaxSeqLen, cfg.NumLayers)
	return m, nil
}

// Family returns the registered family name this model was built as.
func (m *GPT) Family() string { return m.family }

// Config returns the model shape.
func (m *GPT) Config() Config { return m.cfg }

// VocabSize returns the vocabulary size.
func (m *GPT) VocabSize() int { return m.cfg.VocabSize }

// EOT returns the end-of-text token id.
func (m *GPT) EOT() int32 { return m.cfg.EOT }

// Randomize fills the weights with a small random init: embeddings and
// projections N(0, 0.02), layernorm gains one.
func (m *GPT) Randomize(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.params.Memory {
		m.params.Memory[i] = float32(rng.NormFloat64() * 0.02)
	}
	ones := func(w []float32) {
		for i := range w {
			w[i] = 1.0
		}
	}
	zeros := func(w []float32) {
		for i := range w {
			w[i] = 0.0
		}
	}
	ones(m.params.LN1W)
	ones(m.params.LN2W)
	ones(m.params.LNFW)
	zeros(m.params.LN1B)
	zeros(m.params.LN2B)
	zeros(m.params.LNFB)
}

// NamedParameters returns per-tensor views into the parameter and gradient
// memory. Gradient views alias lazily initialized memory, so Backward must
// not reallocate it.
func (m *GPT) NamedParameters() []Parameter {
	if m.grads.Memory == nil {
		m.grads.Init(m.cfg.VocabSize, m.cfg.Channels, m.cfg.MaxSeqLen, m.cfg.NumLayers)
	}
	C := m.cfg.Channels
	params := []Parameter{
		{"wte.weight", m.params.TokEmbed, m.grads.TokEmbed},
		{"wpe.weight", m.params.PosEmbed, m.grads.PosEmbed},
	}
	for l := 0; l < m.cfg.NumLayers; l++ {
		lp := m.params.layer(l, C)
		lg := m.grads.layer(l, C)
		prefix := fmt.Sprintf("h.%d.", l)
		params = append(params,
			Parameter{prefix + "layernorm1.weight", lp.ln1w, lg.ln1w},
			Parameter{prefix + "layernorm1.bias", lp.ln1b, lg.ln1b},
			Parameter{prefix + "attn.qkv.weight", lp.qkvw, lg.qkvw},
			Parameter{prefix + "attn.qkv.bias", lp.qkvb, lg.qkvb},
			Parameter{prefix + "attn.proj.weight", lp.attprojw, lg.attprojw},
			Parameter{prefix + "attn.proj.bias", lp.attprojb, lg.attprojb},
			Parameter{prefix + "layernorm2.weight", lp.ln2w, lg.ln2w},
			Parameter{prefix + "layernorm2.bias", lp.ln2b, lg.ln2b},
			Parameter{prefix + "mlp.fc.weight", lp.fcw, lg.fcw},
			Parameter{prefix + "mlp.fc.bias", lp.fcb, lg.fcb},
			Parameter{prefix + "mlp.proj.weight", lp.fcprojw, lg.fcprojw},
			Parameter{prefix + "mlp.proj.bias", lp.fcprojb, lg.fcprojb},
		)
	}
	params = append(params,
		Parameter{"layernormf.weight", m.params.LNFW, m.grads.LNFW},
		Parameter{"layernormf.bias", m.params.LNFB, m.grads.LNFB},
	)
	return params
}

// ForwardWithLabels runs a training forward pass over a (batch, seqLen) block
// of tokens and returns the mean loss of predicting labels shifted one
// position left. seqLen must be at least 2.
func (m *GPT) ForwardWithLabels(tokens, labels []int32, batch, seqLen int) (float32, error) {
	if seqLen < 2 {
		return 0, fmt.Errorf("sequence length %d too short for next-token loss", seqLen)
	}
	if len(tokens) < batch*seqLen || len(labels) < batch*seqLen {
		return 0, fmt.Errorf("batch shape (%d,%d) exceeds token buffer", batch, seqLen)
	}
	T := seqLen - 1
	if T > m.cfg.MaxSeqLen {
		return 0, fmt.Errorf("sequence length %d exceeds model max %d", seqLen, m.cfg.MaxSeqLen)
	}
	inputs := make([]int32, batch*T)
	targets := make([]int32, batch*T)
	for b := 0; b < batch; b++ {
		for t := 0; t < T; t++ {
			inputs[b*T+t] = tokens[b*seqLen+t]
			targets[b*T+t] = labels[b*seqLen+t+1]
		}
	}
	if err := m.checkTokens(inputs); err != nil {
		return 0, err
	}
	if err := m.checkTokens(targets); err != nil {
		return 0, err
	}
	m.forward(inputs, targets, batch, T)
	return m.meanLoss, nil
}

func (m *GPT) checkTokens(ids []int32) error {
	for _, id := range ids {
		if id < 0 || id >= int32(m.cfg.VocabSize) {
			return fmt.Errorf("token id %d outside vocabulary of size %d", id, m.cfg.VocabSize)
		}
	}
	return nil
}

// forward runs the batch forward pass, caching every activation for Backward.
func (m *GPT) forward(input, target []int32, B, T int) {
	cfg := m.cfg
	if m.acts.Memory == nil || m.batchSize != B || m.seqLen != T {
		m.batchSize, m.seqLen = B, T
		m.acts.Init(B, T, cfg.Channels, cfg.NumLayers, cfg.NumHeads, cfg.VocabSize)
		m.gradActs = ActivationTensors{}
		m.inputs = make([]int32, B*T)
		m.targets = make([]int32, B*T)
	}
	copy(m.inputs, input)
	copy(m.targets, target)

	encoderForward(m.acts.Encoded, input, m.params.TokEmbed, m.params.PosEmbed, B, T, cfg.Channels)
	residual := m.acts.Encoded
	for l := 0; l < cfg.NumLayers; l++ {
		lp := m.params.layer(l, cfg.Channels)
		la := m.acts.layer(l, B, T, cfg.Channels, cfg.NumHeads)
		layernormForward(la.ln1, la.ln1Mean, la.ln1Rstd, residual, lp.ln1w, lp.ln1b, B, T, cfg.Channels)
		matmulForward(la.qkv, la.ln1, lp.qkvw, lp.qkvb, B, T, cfg.Channels, 3*cfg.Channels)
		attentionForward(la.atty, la.preatt, la.att, la.qkv, B, T, cfg.Channels, cfg.NumHeads)
		matmulForward(la.attproj, la.atty, lp.attprojw, lp.attprojb, B, T, cfg.Channels, cfg.Channels)
		residualForward(la.res2, residual, la.attproj, B*T*cfg.Channels)
		layernormForward(la.ln2, la.ln2Mean, la.ln2Rstd, la.res2, lp.ln2w, lp.ln2b, B, T, cfg.Channels)
		matmulForward(la.fc, la.ln2, lp.fcw, lp.fcb, B, T, cfg.Channels, 4*cfg.Channels)
		geluForward(la.fcGelu, la.fc)
		matmulForward(la.fcproj, la.fcGelu, lp.fcprojw, lp.fcprojb, B, T, 4*cfg.Channels, cfg.Channels)
		residualForward(la.res3, la.res2, la.fcproj, B*T*cfg.Channels)
		residual = la.res3
	}
	layernormForward(m.acts.LNF, m.acts.LNFMean, m.acts.LNFRstd, residual, m.params.LNFW, m.params.LNFB, B, T, cfg.Channels)
	// Logits reuse the token embedding as the output projection.
	matmulForward(m.acts.Logits, m.acts.LNF, m.params.TokEmbed, nil, B, T, cfg.Channels, cfg.VocabSize)
	softmaxForward(m.acts.Probs, m.acts.Logits, B, T, cfg.VocabSize)

	if len(target) == 0 {
		m.meanLoss = -1.0
		return
	}
	crossEntropyForward(m.acts.Losses, m.acts.Probs, target, B, T, cfg.VocabSize)
	var meanLoss float32
	for _, l := range m.acts.Losses {
		meanLoss += l
	}
	m.meanLoss = meanLoss / float32(B*T)
}

// Backward accumulates the gradients of scale*loss into the parameter
// gradient memory. Activation gradients are scratch and zeroed here; the
// parameter gradients accumulate across calls until the optimizer clears
// them.
func (m *GPT) Backward(scale float32) error {
	if m.meanLoss == -1.0 {
		return fmt.Errorf("must run a labeled forward pass before backward")
	}
	cfg := m.cfg
	B, T := m.batchSize, m.seqLen
	if m.grads.Memory == nil {
		m.grads.Init(cfg.VocabSize, cfg.Channels, cfg.MaxSeqLen, cfg.NumLayers)
	}
	if m.gradActs.Memory == nil {
		m.gradActs.Init(B, T, cfg.Channels, cfg.NumLayers, cfg.NumHeads, cfg.VocabSize)
	}
	for i := range m.gradActs.Memory {
		m.gradActs.Memory[i] = 0.0
	}

	dlossMean := scale / float32(B*T)
	for i := range m.gradActs.Losses {
		m.gradActs.Losses[i] = dlossMean
	}
	crossEntropySoftmaxBackward(m.gradActs.Logits, m.gradActs.Losses, m.acts.Probs, m.targets, B, T, cfg.VocabSize)
	matmulBackward(m.gradActs.LNF, m.grads.TokEmbed, nil, m.gradActs.Logits, m.acts.LNF, m.params.TokEmbed, B, T, cfg.Channels, cfg.VocabSize)

	btc := B * T * cfg.Channels
	residual := m.acts.Res3[(cfg.NumLayers-1)*btc:]
	dresidual := m.gradActs.Res3[(cfg.NumLayers-1)*btc:]
	layernormBackward(dresidual, m.grads.LNFW, m.grads.LNFB, m.gradActs.LNF, residual, m.params.LNFW, m.acts.LNFMean, m.acts.LNFRstd, B, T, cfg.Channels)

	for l := cfg.NumLayers - 1; l >= 0; l-- {
		if l == 0 {
			residual = m.acts.Encoded
			dresidual = m.gradActs.Encoded
		} else {
			residual = m.acts.Res3[(l-1)*btc:]
			dresidual = m.gradActs.Res3[(l-1)*btc:]
		}
		lp := m.params.layer(l, cfg.Channels)
		lg := m.grads.layer(l, cfg.Channels)
		la := m.acts.layer(l, B, T, cfg.Channels, cfg.NumHeads)
		da := m.gradActs.layer(l, B, T, cfg.Channels, cfg.NumHeads)

		residualBackward(da.res2, da.fcproj, da.res3, btc)
		matmulBackward(da.fcGelu, lg.fcprojw, lg.fcprojb, da.fcproj, la.fcGelu, lp.fcprojw, B, T, 4*cfg.Channels, cfg.Channels)
		geluBackward(da.fc, la.fc, da.fcGelu)
		matmulBackward(da.ln2, lg.fcw, lg.fcb, da.fc, la.ln2, lp.fcw, B, T, cfg.Channels, 4*cfg.Channels)
		layernormBackward(da.res2, lg.ln2w, lg.ln2b, da.ln2, la.res2, lp.ln2w, la.ln2Mean, la.ln2Rstd, B, T, cfg.Channels)
		residualBackward(dresidual, da.attproj, da.res2, btc)
		matmulBackward(da.atty, lg.attprojw, lg.attprojb, da.attproj, la.atty, lp.attprojw, B, T, cfg.Channels, cfg.Channels)
		attentionBackward(da.qkv, da.preatt, da.att, da.atty, la.qkv, la.att, B, T, cfg.Channels, cfg.NumHeads)
		matmulBackward(da.ln1, lg.qkvw, lg.qkvb, da.qkv, la.ln1, lp.qkvw, B, T, cfg.Channels, 3*cfg.Channels)
		layernormBackward(dresidual, lg.ln1w, lg.ln1b, da.ln1, residual, lp.ln1w, la.ln1Mean, la.ln1Rstd, B, T, cfg.Channels)
	}
	encoderBackward(m.grads.TokEmbed, m.grads.PosEmbed, m.gradActs.Encoded, m.inputs, B, T, cfg.Channels)
	return nil
}

// Forward runs the incremental decode path: every token is pushed through the
// model, its key/value vectors appended to the cache, and the logits of the
// final position returned.
func (m *GPT) Forward(tokens []int32, past *Cache) ([]float32, *Cache, error) {
	if len(tokens) == 0 {
		return nil, past, fmt.Errorf("no tokens to decode")
	}
	if err := m.checkTokens(tokens); err != nil {
		return nil, past, err
	}
	if past == nil {
		past = &Cache{
			keys: make([][]float32, m.cfg.NumLayers),
			vals: make([][]float32, m.cfg.NumLayers),
		}
	}
	m.initDecodeScratch()
	var logits []float32
	for _, tok := range tokens {
		var err error
		logits, err = m.decodeStep(tok, past)
		if err != nil {
			return nil, past, err
		}
	}
	out := make([]float32, len(logits))
	copy(out, logits)
	return out, past, nil
}

func (m *GPT) initDecodeScratch() {
	if m.dec.x != nil {
		return
	}
	C := m.cfg.Channels
	m.dec = decodeScratch{
		x:      make([]float32, C),
		norm:   make([]float32, C),
		qkv:    make([]float32, 3*C),
		atty:   make([]float32, C),
		scores: make([]float32, m.cfg.MaxSeqLen),
		hidden: make([]float32, 4*C),
		gelu:   make([]float32, 4*C),
		proj:   make([]float32, C),
		logits: make([]float32, m.cfg.VocabSize),
	}
}

func (m *GPT) decodeStep(tok int32, cache *Cache) ([]float32, error) {
	cfg := m.cfg
	C := cfg.Channels
	NH := cfg.NumHeads
	hs := C / NH
	pos := cache.n
	if pos >= cfg.MaxSeqLen {
		return nil, fmt.Errorf("decode position %d exceeds model max %d", pos, cfg.MaxSeqLen)
	}
	d := &m.dec

	tokRow := m.params.TokEmbed[int(tok)*C:]
	posRow := m.params.PosEmbed[pos*C:]
	for i := 0; i < C; i++ {
		d.x[i] = tokRow[i] + posRow[i]
	}

	scale := 1.0 / sqrt32(float32(hs))
	for l := 0; l < cfg.NumLayers; l++ {
		lp := m.params.layer(l, C)

		layernormVec(d.norm, d.x, lp.ln1w, lp.ln1b)
		matvec(d.qkv, d.norm, lp.qkvw, lp.qkvb, C, 3*C)
		cache.keys[l] = append(cache.keys[l], d.qkv[C:2*C]...)
		cache.vals[l] = append(cache.vals[l], d.qkv[2*C:3*C]...)

		for h := 0; h < NH; h++ {
			query := d.qkv[h*hs : (h+1)*hs]
			maxval := float32(math.Inf(-1))
			for t2 := 0; t2 <= pos; t2++ {
				key := cache.keys[l][t2*C+h*hs:]
				var val float32
				for i := 0; i < hs; i++ {
					val += query[i] * key[i]
				}
				val *= scale
				if val > maxval {
					maxval = val
				}
				d.scores[t2] = val
			}
			var expsum float32
			for t2 := 0; t2 <= pos; t2++ {
				d.scores[t2] = exp32(d.scores[t2] - maxval)
				expsum += d.scores[t2]
			}
			out := d.atty[h*hs : (h+1)*hs]
			for i := range out {
				out[i] = 0
			}
			for t2 := 0; t2 <= pos; t2++ {
				value := cache.vals[l][t2*C+h*hs:]
				a := d.scores[t2] / expsum
				for i := 0; i < hs; i++ {
					out[i] += a * value[i]
				}
			}
		}
		matvec(d.proj, d.atty, lp.attprojw, lp.attprojb, C, C)
		for i := 0; i < C; i++ {
			d.x[i] += d.proj[i]
		}

		layernormVec(d.norm, d.x, lp.ln2w, lp.ln2b)
		matvec(d.hidden, d.norm, lp.fcw, lp.fcb, C, 4*C)
		geluForward(d.gelu, d.hidden)
		matvec(d.proj, d.gelu, lp.fcprojw, lp.fcprojb, 4*C, C)
		for i := 0; i < C; i++ {
			d.x[i] += d.proj[i]
		}
	}
	layernormVec(d.norm, d.x, m.params.LNFW, m.params.LNFB)
	matvec(d.logits, d.norm, m.params.TokEmbed, nil, C, cfg.VocabSize)
	cache.n++
	return d.logits, nil
}

// Save writes the model shape and weights into dir.
func (m *GPT) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, WeightsFile))
	if err != nil {
		return err
	}
	defer f.Close()
	header := make([]int32, 256)
	header[0] = modelMagic
	header[1] = modelVersion
	header[2] = int32(m.cfg.MaxSeqLen)
	header[3] = int32(m.cfg.VocabSize)
	header[4] = int32(m.cfg.NumLayers)
	header[5] = int32(m.cfg.NumHeads)
	header[6] = int32(m.cfg.Channels)
	header[7] = m.cfg.EOT
	if err := binary.Write(f, binary.LittleEndian, header); err != nil {
		return err
	}
	return binary.Write(f, binary.LittleEndian, m.params.Memory)
}

// Load reads a model from path, which may be the weights file itself or a
// checkpoint directory containing one.
func Load(path, family string) (*GPT, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if stat.IsDir() {
		path = filepath.Join(path, WeightsFile)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readGPT(f, family)
}

func readGPT(r io.Reader, family string) (*GPT, error) {
	header := make([]int32, 256)
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	if header[0] != modelMagic || header[1] != modelVersion {
		return nil, fmt.Errorf("invalid model file header")
	}
	m, err := newGPT(family, Config{
		MaxSeqLen: int(header[2]),
		VocabSize: int(header[3]),
		NumLayers: int(header[4]),
		NumHeads:  int(header[5]),
		Channels:  int(header[6]),
		EOT:       header[7],
	})
	if err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, m.params.Memory); err != nil {
		return nil, fmt.Errorf("reading model weights: %w", err)
	}
	return m, nil
}
