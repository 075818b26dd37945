package reference

import (
	"maps"

	"github.com/gomlx/gocu/dnn"
	"github.com/gomlx/gocu/driver"
	"github.com/gomlx/gocu/driver/sim"
	"github.com/gomlx/gocu/dtypes"
	"github.com/pkg/errors"
)

// params is the kernel argument with the geometry of the problem.
type params struct {
	N, C, H, W       int // Input.
	K, R, S          int // Filter.
	OH, OW           int // Output.
	PadH, PadW       int
	StrideH, StrideW int
	DilH, DilW       int
	Flip             bool
}

func newParams(problem dnn.Problem) params {
	conv := problem.Convolution
	return params{
		N: problem.X.N, C: problem.X.C, H: problem.X.H, W: problem.X.W,
		K: problem.W.K, R: problem.W.R, S: problem.W.S,
		OH: problem.Y.H, OW: problem.Y.W,
		PadH: conv.PadH, PadW: conv.PadW,
		StrideH: conv.StrideH, StrideW: conv.StrideW,
		DilH: conv.DilationH, DilW: conv.DilationW,
		Flip: conv.Mode == dnn.Convolution,
	}
}

func (p params) xSize() int { return p.N * p.C * p.H * p.W }
func (p params) wSize() int { return p.K * p.C * p.R * p.S }
func (p params) ySize() int { return p.N * p.K * p.OH * p.OW }

// colRows is the number of rows of the im2col matrix, one per (c, r, s).
func (p params) colRows() int { return p.C * p.R * p.S }

// colCols is the number of columns of the im2col matrix, one per output position.
func (p params) colCols() int { return p.OH * p.OW }

// wIdx returns the index in the filter of the weight applied at the filter position (r, s): flipped in Convolution
// mode.
func (p params) wIdx(k, c, r, s int) int {
	if p.Flip {
		r, s = p.R-1-r, p.S-1-s
	}
	return ((k*p.C+c)*p.R+r)*p.S + s
}

// inputPos returns the input position read by the output position (oh, ow) at the filter position (r, s), and
// whether it is inside the input (and not in the padding).
func (p params) inputPos(oh, ow, r, s int) (ih, iw int, ok bool) {
	ih = oh*p.StrideH - p.PadH + r*p.DilH
	iw = ow*p.StrideW - p.PadW + s*p.DilW
	ok = ih >= 0 && ih < p.H && iw >= 0 && iw < p.W
	return
}

// blend returns alpha*result + beta*old, ignoring old if beta is 0 (so uninitialized outputs are fine).
func blend[T dtypes.Float](result, old T, alpha, beta float64) T {
	if beta == 0 {
		return T(alpha) * result
	}
	return T(alpha)*result + T(beta)*old
}

// kernelArgs holds the arguments common to all kernels:
// (x, w, y, workspace driver.DevicePtr, p params, alpha, beta float64).
type kernelArgs[T dtypes.Float] struct {
	x, w, y     []T
	ws          driver.DevicePtr
	p           params
	alpha, beta float64
}

func parseArgs[T dtypes.Float](b *sim.Block) (args kernelArgs[T], err error) {
	if len(b.Args) != 7 {
		err = errors.Errorf("expected 7 kernel arguments, got %d", len(b.Args))
		return
	}
	ptrs := make([]driver.DevicePtr, 4)
	for ii := range ptrs {
		if ptrs[ii], err = sim.Arg[driver.DevicePtr](b, ii); err != nil {
			return
		}
	}
	if args.p, err = sim.Arg[params](b, 4); err != nil {
		return
	}
	if args.alpha, err = sim.Arg[float64](b, 5); err != nil {
		return
	}
	if args.beta, err = sim.Arg[float64](b, 6); err != nil {
		return
	}
	if args.x, err = sim.Elements[T](b, ptrs[0], args.p.xSize()); err != nil {
		return
	}
	if args.w, err = sim.Elements[T](b, ptrs[1], args.p.wSize()); err != nil {
		return
	}
	if args.y, err = sim.Elements[T](b, ptrs[2], args.p.ySize()); err != nil {
		return
	}
	args.ws = ptrs[3]
	return
}

// col returns the workspace as the im2col matrix.
func (a *kernelArgs[T]) col(b *sim.Block) ([]T, error) {
	return sim.Elements[T](b, a.ws, a.p.colRows()*a.p.colCols())
}

// im2col expands the patches of image n of x into col: col[(c*R+r)*S+s][oh*OW+ow] = x[n, c, ih, iw].
func im2col[T dtypes.Float](p params, x, col []T, n int) {
	cols := p.colCols()
	for c := range p.C {
		for r := range p.R {
			for s := range p.S {
				row := ((c*p.R+r)*p.S + s) * cols
				for oh := range p.OH {
					for ow := range p.OW {
						var v T
						if ih, iw, ok := p.inputPos(oh, ow, r, s); ok {
							v = x[((n*p.C+c)*p.H+ih)*p.W+iw]
						}
						col[row+oh*p.OW+ow] = v
					}
				}
			}
		}
	}
}

// forwardImplicit computes y[n] for the image n = block index.
func forwardImplicit[T dtypes.Float](b *sim.Block) error {
	a, err := parseArgs[T](b)
	if err != nil {
		return err
	}
	p := a.p
	n := b.Linear()
	for k := range p.K {
		for oh := range p.OH {
			for ow := range p.OW {
				var sum T
				for c := range p.C {
					for r := range p.R {
						for s := range p.S {
							if ih, iw, ok := p.inputPos(oh, ow, r, s); ok {
								sum += a.x[((n*p.C+c)*p.H+ih)*p.W+iw] * a.w[p.wIdx(k, c, r, s)]
							}
						}
					}
				}
				yIdx := ((n*p.K+k)*p.OH+oh)*p.OW + ow
				a.y[yIdx] = blend(sum, a.y[yIdx], a.alpha, a.beta)
			}
		}
	}
	return nil
}

// forwardGEMM computes y[n][k][pos] = sum_j w[k][j] * col[j][pos], image by image.
func forwardGEMM[T dtypes.Float](b *sim.Block) error {
	a, err := parseArgs[T](b)
	if err != nil {
		return err
	}
	col, err := a.col(b)
	if err != nil {
		return err
	}
	p := a.p
	cols := p.colCols()
	for n := range p.N {
		im2col(p, a.x, col, n)
		for k := range p.K {
			for pos := range cols {
				var sum T
				for c := range p.C {
					for r := range p.R {
						for s := range p.S {
							sum += a.w[p.wIdx(k, c, r, s)] * col[((c*p.R+r)*p.S+s)*cols+pos]
						}
					}
				}
				yIdx := (n*p.K+k)*cols + pos
				a.y[yIdx] = blend(sum, a.y[yIdx], a.alpha, a.beta)
			}
		}
	}
	return nil
}

// backwardDataImplicit computes dx[n] (stored in x) for the image n = block index, gathering from dy (stored in y).
func backwardDataImplicit[T dtypes.Float](b *sim.Block) error {
	a, err := parseArgs[T](b)
	if err != nil {
		return err
	}
	p := a.p
	n := b.Linear()
	for c := range p.C {
		for ih := range p.H {
			for iw := range p.W {
				var sum T
				for k := range p.K {
					for r := range p.R {
						th := ih + p.PadH - r*p.DilH
						if th < 0 || th%p.StrideH != 0 || th/p.StrideH >= p.OH {
							continue
						}
						oh := th / p.StrideH
						for s := range p.S {
							tw := iw + p.PadW - s*p.DilW
							if tw < 0 || tw%p.StrideW != 0 || tw/p.StrideW >= p.OW {
								continue
							}
							ow := tw / p.StrideW
							sum += a.y[((n*p.K+k)*p.OH+oh)*p.OW+ow] * a.w[p.wIdx(k, c, r, s)]
						}
					}
				}
				xIdx := ((n*p.C+c)*p.H+ih)*p.W + iw
				a.x[xIdx] = blend(sum, a.x[xIdx], a.alpha, a.beta)
			}
		}
	}
	return nil
}

// backwardDataGEMM computes col[j][pos] = sum_k w[k][j] * dy[n][k][pos] and scatters it back into dx (col2im).
func backwardDataGEMM[T dtypes.Float](b *sim.Block) error {
	a, err := parseArgs[T](b)
	if err != nil {
		return err
	}
	col, err := a.col(b)
	if err != nil {
		return err
	}
	p := a.p
	cols := p.colCols()
	imageSize := p.C * p.H * p.W
	for n := range p.N {
		for c := range p.C {
			for r := range p.R {
				for s := range p.S {
					row := ((c*p.R+r)*p.S + s) * cols
					for pos := range cols {
						var sum T
						for k := range p.K {
							sum += a.w[p.wIdx(k, c, r, s)] * a.y[(n*p.K+k)*cols+pos]
						}
						col[row+pos] = sum
					}
				}
			}
		}

		dx := a.x[n*imageSize : (n+1)*imageSize]
		for ii := range dx {
			if a.beta == 0 {
				dx[ii] = 0
			} else {
				dx[ii] *= T(a.beta)
			}
		}
		for c := range p.C {
			for r := range p.R {
				for s := range p.S {
					row := ((c*p.R+r)*p.S + s) * cols
					for oh := range p.OH {
						for ow := range p.OW {
							if ih, iw, ok := p.inputPos(oh, ow, r, s); ok {
								dx[(c*p.H+ih)*p.W+iw] += T(a.alpha) * col[row+oh*p.OW+ow]
							}
						}
					}
				}
			}
		}
	}
	return nil
}

// backwardFilterImplicit computes dw[k] (stored in w) for the output channel k = block index, from x and dy (stored
// in y).
func backwardFilterImplicit[T dtypes.Float](b *sim.Block) error {
	a, err := parseArgs[T](b)
	if err != nil {
		return err
	}
	p := a.p
	k := b.Linear()
	for c := range p.C {
		for r := range p.R {
			for s := range p.S {
				var sum T
				for n := range p.N {
					for oh := range p.OH {
						for ow := range p.OW {
							if ih, iw, ok := p.inputPos(oh, ow, r, s); ok {
								sum += a.x[((n*p.C+c)*p.H+ih)*p.W+iw] * a.y[((n*p.K+k)*p.OH+oh)*p.OW+ow]
							}
						}
					}
				}
				wIdx := p.wIdx(k, c, r, s)
				a.w[wIdx] = blend(sum, a.w[wIdx], a.alpha, a.beta)
			}
		}
	}
	return nil
}

// backwardFilterGEMM accumulates dw[k][j] += alpha * sum_pos dy[n][k][pos] * col[j][pos], image by image.
func backwardFilterGEMM[T dtypes.Float](b *sim.Block) error {
	a, err := parseArgs[T](b)
	if err != nil {
		return err
	}
	col, err := a.col(b)
	if err != nil {
		return err
	}
	p := a.p
	cols := p.colCols()
	for ii := range a.w {
		if a.beta == 0 {
			a.w[ii] = 0
		} else {
			a.w[ii] *= T(a.beta)
		}
	}
	for n := range p.N {
		im2col(p, a.x, col, n)
		for k := range p.K {
			for c := range p.C {
				for r := range p.R {
					for s := range p.S {
						row := ((c*p.R+r)*p.S + s) * cols
						var sum T
						for pos := range cols {
							sum += a.y[(n*p.K+k)*cols+pos] * col[row+pos]
						}
						a.w[p.wIdx(k, c, r, s)] += T(a.alpha) * sum
					}
				}
			}
		}
	}
	return nil
}

// kernels returns the kernels for the dtype T.
func kernels[T dtypes.Float]() map[string]sim.KernelFunc {
	dtype := dtypes.FromGenericsType[T]()
	return map[string]sim.KernelFunc{
		kernelName(dnn.KindForward, false, dtype):        forwardImplicit[T],
		kernelName(dnn.KindForward, true, dtype):         forwardGEMM[T],
		kernelName(dnn.KindBackwardData, false, dtype):   backwardDataImplicit[T],
		kernelName(dnn.KindBackwardData, true, dtype):    backwardDataGEMM[T],
		kernelName(dnn.KindBackwardFilter, false, dtype): backwardFilterImplicit[T],
		kernelName(dnn.KindBackwardFilter, true, dtype):  backwardFilterGEMM[T],
	}
}

func init() {
	all := kernels[float32]()
	maps.Copy(all, kernels[float64]())
	sim.RegisterModule(ModuleName, all)
}
