package model

import (
	"math"
	"sync"
)

var geluScale = float32(math.Sqrt(2.0 / math.Pi))

func sqrt32(x float32) float32 { return float32(math.Sqrt(float64(x))) }
func exp32(x float32) float32  { return float32(math.Exp(float64(x))) }
func log32(x float32) float32  { return float32(math.Log(float64(x))) }
func tanh32(x float32) float32 { return float32(math.Tanh(float64(x))) }
func cosh32(x float32) float32 { return float32(math.Cosh(float64(x))) }

// encoderForward sums token and position embeddings into out (B,T,C).
func encoderForward(out []float32, inp []int32, wte, wpe []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			dst := out[b*T*C+t*C:]
			tokRow := wte[int(inp[b*T+t])*C:]
			posRow := wpe[t*C:]
			for i := 0; i < C; i++ {
				dst[i] = tokRow[i] + posRow[i]
			}
		}
	}
}

func encoderBackward(dwte, dwpe, dout []float32, inp []int32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			src := dout[b*T*C+t*C:]
			tokRow := dwte[int(inp[b*T+t])*C:]
			posRow := dwpe[t*C:]
			for i := 0; i < C; i++ {
				tokRow[i] += src[i]
				posRow[i] += src[i]
			}
		}
	}
}

// layernormForward normalizes each (b,t) vector of inp to zero mean and unit
// variance, then scales and shifts. mean and rstd are kept for the backward
// pass.
func layernormForward(out, mean, rstd, inp, weight, bias []float32, B, T, C int) {
	const eps float32 = 1e-5
	for bt := 0; bt < B*T; bt++ {
		x := inp[bt*C : (bt+1)*C]
		var m float32
		for i := 0; i < C; i++ {
			m += x[i]
		}
		m /= float32(C)
		var v float32
		for i := 0; i < C; i++ {
			shift := x[i] - m
			v += shift * shift
		}
		v /= float32(C)
		s := 1.0 / sqrt32(v+eps)
		dst := out[bt*C : (bt+1)*C]
		for i := 0; i < C; i++ {
			dst[i] = s*(x[i]-m)*weight[i] + bias[i]
		}
		mean[bt] = m
		rstd[bt] = s
	}
}

func layernormBackward(dinp, dweight, dbias, dout, inp, weight, mean, rstd []float32, B, T, C int) {
	for bt := 0; bt < B*T; bt++ {
		doutBT := dout[bt*C : (bt+1)*C]
		inpBT := inp[bt*C : (bt+1)*C]
		dinpBT := dinp[bt*C : (bt+1)*C]
		m, s := mean[bt], rstd[bt]

		var dnormMean, dnormNormMean float32
		for i := 0; i < C; i++ {
			norm := (inpBT[i] - m) * s
			dnorm := weight[i] * doutBT[i]
			dnormMean += dnorm
			dnormNormMean += dnorm * norm
		}
		dnormMean /= float32(C)
		dnormNormMean /= float32(C)

		for i := 0; i < C; i++ {
			norm := (inpBT[i] - m) * s
			dnorm := weight[i] * doutBT[i]
			dbias[i] += doutBT[i]
			dweight[i] += norm * doutBT[i]
			dinpBT[i] += (dnorm - dnormMean - norm*dnormNormMean) * s
		}
	}
}

// matmulForward computes out = inp @ weight^T + bias where weight is (OC, C)
// row-major. Rows are independent, so each (b,t) position runs on its own
// goroutine.
func matmulForward(out, inp, weight, bias []float32, B, T, C, OC int) {
	var wg sync.WaitGroup
	for bt := 0; bt < B*T; bt++ {
		wg.Add(1)
		go func(bt int) {
			defer wg.Done()
			inpBT := inp[bt*C : (bt+1)*C]
			outBT := out[bt*OC : (bt+1)*OC]
			for o := 0; o < OC; o++ {
				var val float32
				if bias != nil {
					val = bias[o]
				}
				wrow := weight[o*C:]
				for i := 0; i < C; i++ {
					val += inpBT[i] * wrow[i]
				}
				outBT[o] = val
			}
		}(bt)
	}
	wg.Wait()
}

func matmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC int) {
	var wg sync.WaitGroup
	for bt := 0; bt < B*T; bt++ {
		wg.Add(1)
		go func(bt int) {
			defer wg.Done()
			doutBT := dout[bt*OC : (bt+1)*OC]
			dinpBT := dinp[bt*C : (bt+1)*C]
			for o := 0; o < OC; o++ {
				wrow := weight[o*C:]
				d := doutBT[o]
				for i := 0; i < C; i++ {
					dinpBT[i] += wrow[i] * d
				}
			}
		}(bt)
	}
	wg.Wait()
	for o := 0; o < OC; o++ {
		wg.Add(1)
		go func(o int) {
			defer wg.Done()
			dwrow := dweight[o*C:]
			for bt := 0; bt < B*T; bt++ {
				d := dout[bt*OC+o]
				if dbias != nil {
					dbias[o] += d
				}
				inpBT := inp[bt*C:]
				for i := 0; i < C; i++ {
					dwrow[i] += inpBT[i] * d
				}
			}
		}(o)
	}
	wg.Wait()
}

// attentionForward runs causal multi-head attention. inp is (B,T,3C) holding
// query, key and value; preatt and att keep the raw and softmaxed scores for
// the backward pass.
func attentionForward(out, preatt, att, inp []float32, B, T, C, NH int) {
	C3 := 3 * C
	hs := C / NH
	scale := 1.0 / sqrt32(float32(hs))
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			wg.Add(1)
			go func(b, t int) {
				defer wg.Done()
				for h := 0; h < NH; h++ {
					query := inp[b*T*C3+t*C3+h*hs:]
					preattBTH := preatt[b*NH*T*T+h*T*T+t*T:]
					attBTH := att[b*NH*T*T+h*T*T+t*T:]

					maxval := float32(math.Inf(-1))
					for t2 := 0; t2 <= t; t2++ {
						key := inp[b*T*C3+t2*C3+h*hs+C:]
						var val float32
						for i := 0; i < hs; i++ {
							val += query[i] * key[i]
						}
						val *= scale
						if val > maxval {
							maxval = val
						}
						preattBTH[t2] = val
					}
					var expsum float32
					for t2 := 0; t2 <= t; t2++ {
						expv := exp32(preattBTH[t2] - maxval)
						expsum += expv
						attBTH[t2] = expv
					}
					var expsumInv float32
					if expsum != 0 {
						expsumInv = 1.0 / expsum
					}
					for t2 := 0; t2 < T; t2++ {
						if t2 <= t {
							attBTH[t2] *= expsumInv
						} else {
							attBTH[t2] = 0 // causal mask
						}
					}
					outBTH := out[b*T*C+t*C+h*hs:]
					for i := 0; i < hs; i++ {
						outBTH[i] = 0
					}
					for t2 := 0; t2 <= t; t2++ {
						value := inp[b*T*C3+t2*C3+h*hs+2*C:]
						a := attBTH[t2]
						for i := 0; i < hs; i++ {
							outBTH[i] += a * value[i]
						}
					}
				}
			}(b, t)
		}
	}
	wg.Wait()
}

func attentionBackward(dinp, dpreatt, datt, dout, inp, att []float32, B, T, C, NH int) {
	C3 := 3 * C
	hs := C / NH
	scale := 1.0 / sqrt32(float32(hs))
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			for h := 0; h < NH; h++ {
				attBTH := att[b*NH*T*T+h*T*T+t*T:]
				dattBTH := datt[b*NH*T*T+h*T*T+t*T:]
				dpreattBTH := dpreatt[b*NH*T*T+h*T*T+t*T:]
				query := inp[b*T*C3+t*C3+h*hs:]
				dquery := dinp[b*T*C3+t*C3+h*hs:]
				doutBTH := dout[b*T*C+t*C+h*hs:]

				for t2 := 0; t2 <= t; t2++ {
					value := inp[b*T*C3+t2*C3+h*hs+2*C:]
					dvalue := dinp[b*T*C3+t2*C3+h*hs+2*C:]
					for i := 0; i < hs; i++ {
						dattBTH[t2] += value[i] * doutBTH[i]
						dvalue[i] += attBTH[t2] * doutBTH[i]
					}
				}
				for t2 := 0; t2 <= t; t2++ {
					for t3 := 0; t3 <= t; t3++ {
						var indicator float32
						if t2 == t3 {
							indicator = 1.0
						}
						dpreattBTH[t3] += attBTH[t2] * (indicator - attBTH[t3]) * dattBTH[t2]
					}
				}
				for t2 := 0; t2 <= t; t2++ {
					key := inp[b*T*C3+t2*C3+h*hs+C:]
					dkey := dinp[b*T*C3+t2*C3+h*hs+C:]
					for i := 0; i < hs; i++ {
						dquery[i] += key[i] * dpreattBTH[t2] * scale
						dkey[i] += query[i] * dpreattBTH[t2] * scale
					}
				}
			}
		}
	}
}

func geluForward(out, inp []float32) {
	for i, x := range inp {
		cube := 0.044715 * x * x * x
		out[i] = 0.5 * x * (1.0 + tanh32(geluScale*(x+cube)))
	}
}

func geluBackward(dinp, inp, dout []float32) {
	for i, x := range inp {
		cube := 0.044715 * x * x * x
		arg := geluScale * (x + cube)
		tanhOut := tanh32(arg)
		coshOut := cosh32(arg)
		sech := 1.0 / (coshOut * coshOut)
		local := 0.5*(1.0+tanhOut) + x*0.5*sech*geluScale*(1.0+3.0*0.044715*x*x)
		dinp[i] += local * dout[i]
	}
}

func residualForward(out, inp1, inp2 []float32, n int) {
	for i := 0; i < n; i++ {
		out[i] = inp1[i] + inp2[i]
	}
}

func residualBackward(dinp1, dinp2, dout []float32, n int) {
	for i := 0; i < n; i++ {
		dinp1[i] += dout[i]
		dinp2[i] += dout[i]
	}
}

func softmaxForward(probs, logits []float32, B, T, V int) {
	var wg sync.WaitGroup
	for bt := 0; bt < B*T; bt++ {
		wg.Add(1)
		go func(bt int) {
			defer wg.Done()
			logitsBT := logits[bt*V : (bt+1)*V]
			probsBT := probs[bt*V : (bt+1)*V]
			maxval := float32(math.Inf(-1))
			for i := 0; i < V; i++ {
				if logitsBT[i] > maxval {
					maxval = logitsBT[i]
				}
			}
			var sum float32
			for i := 0; i < V; i++ {
				probsBT[i] = exp32(logitsBT[i] - maxval)
				sum += probsBT[i]
			}
			for i := 0; i < V; i++ {
				probsBT[i] /= sum
			}
		}(bt)
	}
	wg.Wait()
}

func crossEntropyForward(losses, probs []float32, targets []int32, B, T, V int) {
	for bt := 0; bt < B*T; bt++ {
		losses[bt] = -log32(probs[bt*V+int(targets[bt])])
	}
}

func crossEntropySoftmaxBackward(dlogits, dlosses, probs []float32, targets []int32, B, T, V int) {
	for bt := 0; bt < B*T; bt++ {
		dlogitsBT := dlogits[bt*V : (bt+1)*V]
		probsBT := probs[bt*V : (bt+1)*V]
		dloss := dlosses[bt]
		ix := int(targets[bt])
		for i := 0; i < V; i++ {
			indicator := float32(0)
			if i == ix {
				indicator = 1.0
			}
			dlogitsBT[i] += (probsBT[i] - indicator) * dloss
		}
	}
}

// Single-vector variants used on the incremental decode path.

func layernormVec(out, inp, weight, bias []float32) {
	const eps float32 = 1e-5
	C := len(inp)
	var m float32
	for _, x := range inp {
		m += x
	}
	m /= float32(C)
	var v float32
	for _, x := range inp {
		shift := x - m
		v += shift * shift
	}
	v /= float32(C)
	s := 1.0 / sqrt32(v+eps)
	for i := 0; i < C; i++ {
		out[i] = s*(inp[i]-m)*weight[i] + bias[i]
	}
}

// matvec computes out = weight @ inp + bias for a (OC, C) row-major weight.
func matvec(out, inp, weight, bias []float32, C, OC int) {
	for o := 0; o < OC; o++ {
		var val float32
		if bias != nil {
			val = bias[o]
		}
		wrow := weight[o*C:]
		for i := 0; i < C; i++ {
			val += inp[i] * wrow[i]
		}
		out[o] = val
	}
}
