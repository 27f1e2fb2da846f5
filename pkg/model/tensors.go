package model

// carve cuts an n-element view off the front of mem and returns the remainder.
func carve(mem []float32, n int) ([]float32, []float32) {
	return mem[:n:n], mem[n:]
}

// ParameterTensors holds all trainable weights in one contiguous buffer.
// Layered tensors are stored layer-major, so layer l of a (L,C) tensor is the
// slice [l*C:(l+1)*C].
type ParameterTensors struct {
	Memory []float32

	TokEmbed []float32 // (V, C)
	PosEmbed []float32 // (maxT, C)
	LN1W     []float32 // (L, C)
	LN1B     []float32 // (L, C)
	QKVW     []float32 // (L, 3C, C)
	QKVB     []float32 // (L, 3C)
	AttProjW []float32 // (L, C, C)
	AttProjB []float32 // (L, C)
	LN2W     []float32 // (L, C)
	LN2B     []float32 // (L, C)
	FCW      []float32 // (L, 4C, C)
	FCB      []float32 // (L, 4C)
	FCProjW  []float32 // (L, C, 4C)
	FCProjB  []float32 // (L, C)
	LNFW     []float32 // (C)
	LNFB     []float32 // (C)
}

// Init allocates the buffer and carves the named views out of it.
func (p *ParameterTensors) Init(V, C, maxT, L int) {
	p.Memory = make([]float32,
		V*C+maxT*C+
			L*C*2+ // ln1
			L*3*C*C+L*3*C+ // qkv
			L*C*C+L*C+ // attention projection
			L*C*2+ // ln2
			L*4*C*C+L*4*C+ // mlp up
			L*C*4*C+L*C+ // mlp down
			2*C) // final layernorm
	mem := p.Memory
	p.TokEmbed, mem = carve(mem, V*C)
	p.PosEmbed, mem = carve(mem, maxT*C)
	p.LN1W, mem = carve(mem, L*C)
	p.LN1B, mem = carve(mem, L*C)
	p.QKVW, mem = carve(mem, L*3*C*C)
	p.QKVB, mem = carve(mem, L*3*C)
	p.AttProjW, mem = carve(mem, L*C*C)
	p.AttProjB, mem = carve(mem, L*C)
	p.LN2W, mem = carve(mem, L*C)
	p.LN2B, mem = carve(mem, L*C)
	p.FCW, mem = carve(mem, L*4*C*C)
	p.FCB, mem = carve(mem, L*4*C)
	p.FCProjW, mem = carve(mem, L*C*4*C)
	p.FCProjB, mem = carve(mem, L*C)
	p.LNFW, mem = carve(mem, C)
	p.LNFB, mem = carve(mem, C)
	if len(mem) != 0 {
		panic("parameter memory miscounted")
	}
}

// Len returns the total number of parameters.
func (p *ParameterTensors) Len() int { return len(p.Memory) }

// layerParams is the per-layer slice view of ParameterTensors.
type layerParams struct {
	ln1w, ln1b         []float32
	qkvw, qkvb         []float32
	attprojw, attprojb []float32
	ln2w, ln2b         []float32
	fcw, fcb           []float32
	fcprojw, fcprojb   []float32
}

func (p *ParameterTensors) layer(l, C int) layerParams {
	return layerParams{
		ln1w:     p.LN1W[l*C : (l+1)*C],
		ln1b:     p.LN1B[l*C : (l+1)*C],
		qkvw:     p.QKVW[l*3*C*C : (l+1)*3*C*C],
		qkvb:     p.QKVB[l*3*C : (l+1)*3*C],
		attprojw: p.AttProjW[l*C*C : (l+1)*C*C],
		attprojb: p.AttProjB[l*C : (l+1)*C],
		ln2w:     p.LN2W[l*C : (l+1)*C],
		ln2b:     p.LN2B[l*C : (l+1)*C],
		fcw:      p.FCW[l*4*C*C : (l+1)*4*C*C],
		fcb:      p.FCB[l*4*C : (l+1)*4*C],
		fcprojw:  p.FCProjW[l*C*4*C : (l+1)*C*4*C],
		fcprojb:  p.FCProjB[l*C : (l+1)*C],
	}
}

// ActivationTensors holds every intermediate result of one batch forward pass
// in a single buffer, sized for a fixed (B, T) shape.
type ActivationTensors struct {
	Memory []float32

	Encoded []float32 // (B, T, C)
	LN1     []float32 // (L, B, T, C)
	LN1Mean []float32 // (L, B, T)
	LN1Rstd []float32 // (L, B, T)
	QKV     []float32 // (L, B, T, 3C)
	Atty    []float32 // (L, B, T, C)
	PreAtt  []float32 // (L, B, NH, T, T)
	Att     []float32 // (L, B, NH, T, T)
	AttProj []float32 // (L, B, T, C)
	Res2    []float32 // (L, B, T, C)
	LN2     []float32 // (L, B, T, C)
	LN2Mean []float32 // (L, B, T)
	LN2Rstd []float32 // (L, B, T)
	FC      []float32 // (L, B, T, 4C)
	FCGelu  []float32 // (L, B, T, 4C)
	FCProj  []float32 // (L, B, T, C)
	Res3    []float32 // (L, B, T, C)
	LNF     []float32 // (B, T, C)
	LNFMean []float32 // (B, T)
	LNFRstd []float32 // (B, T)
	Logits  []float32 // (B, T, V)
	Probs   []float32 // (B, T, V)
	Losses  []float32 // (B, T)
}

// Init allocates the buffer and carves the named views out of it.
func (a *ActivationTensors) Init(B, T, C, L, NH, V int) {
	a.Memory = make([]float32,
		B*T*C+
			L*B*T*C+L*B*T*2+
			L*B*T*3*C+L*B*T*C+
			L*B*NH*T*T*2+
			L*B*T*C*2+
			L*B*T*C+L*B*T*2+
			L*B*T*4*C*2+
			L*B*T*C*2+
			B*T*C+B*T*2+
			B*T*V*2+
			B*T)
	mem := a.Memory
	a.Encoded, mem = carve(mem, B*T*C)
	a.LN1, mem = carve(mem, L*B*T*C)
	a.LN1Mean, mem = carve(mem, L*B*T)
	a.LN1Rstd, mem = carve(mem, L*B*T)
	a.QKV, mem = carve(mem, L*B*T*3*C)
	a.Atty, mem = carve(mem, L*B*T*C)
	a.PreAtt, mem = carve(mem, L*B*NH*T*T)
	a.Att, mem = carve(mem, L*B*NH*T*T)
	a.AttProj, mem = carve(mem, L*B*T*C)
	a.Res2, mem = carve(mem, L*B*T*C)
	a.LN2, mem = carve(mem, L*B*T*C)
	a.LN2Mean, mem = carve(mem, L*B*T)
	a.LN2Rstd, mem = carve(mem, L*B*T)
	a.FC, mem = carve(mem, L*B*T*4*C)
	a.FCGelu, mem = carve(mem, L*B*T*4*C)
	a.FCProj, mem = carve(mem, L*B*T*C)
	a.Res3, mem = carve(mem, L*B*T*C)
	a.LNF, mem = carve(mem, B*T*C)
	a.LNFMean, mem = carve(mem, B*T)
	a.LNFRstd, mem = carve(mem, B*T)
	a.Logits, mem = carve(mem, B*T*V)
	a.Probs, mem = carve(mem, B*T*V)
	a.Losses, mem = carve(mem, B*T)
	if len(mem) != 0 {
		panic("activation memory miscounted")
	}
}

// layerActs is the per-layer slice view of ActivationTensors.
type layerActs struct {
	ln1, ln1Mean, ln1Rstd []float32
	qkv, atty             []float32
	preatt, att           []float32
	attproj, res2         []float32
	ln2, ln2Mean, ln2Rstd []float32
	fc, fcGelu, fcproj    []float32
	res3                  []float32
}

func (a *ActivationTensors) layer(l, B, T, C, NH int) layerActs {
	btc := B * T * C
	bt := B * T
	return layerActs{
		ln1:     a.LN1[l*btc : (l+1)*btc],
		ln1Mean: a.LN1Mean[l*bt : (l+1)*bt],
		ln1Rstd: a.LN1Rstd[l*bt : (l+1)*bt],
		qkv:     a.QKV[l*3*btc : (l+1)*3*btc],
		atty:    a.Atty[l*btc : (l+1)*btc],
		preatt:  a.PreAtt[l*B*NH*T*T : (l+1)*B*NH*T*T],
		att:     a.Att[l*B*NH*T*T : (l+1)*B*NH*T*T],
		attproj: a.AttProj[l*btc : (l+1)*btc],
		res2:    a.Res2[l*btc : (l+1)*btc],
		ln2:     a.LN2[l*btc : (l+1)*btc],
		ln2Mean: a.LN2Mean[l*bt : (l+1)*bt],
		ln2Rstd: a.LN2Rstd[l*bt : (l+1)*bt],
		fc:      a.FC[l*4*btc : (l+1)*4*btc],
		fcGelu:  a.FCGelu[l*4*btc : (l+1)*4*btc],
		fcproj:  a.FCProj[l*btc : (l+1)*btc],
		res3:    a.Res3[l*btc : (l+1)*btc],
	}
}
