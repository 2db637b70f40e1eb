package ops

import (
	"errors"
	"fmt"

	"github.com/example/go-radtts/internal/runtime/tensor"
)

// Conv1D performs a deterministic CPU Conv1d.
// input: [batch, in_channels, length]
// kernel: [out_channels, in_channels/groups, kernel_size]
func Conv1D(input, kernel, bias *tensor.Tensor, stride, padding, dilation, groups int64) (*tensor.Tensor, error) {
	p, out, biasData, err := prepareConv1D(input, kernel, bias, stride, padding, dilation, groups)
	if err != nil {
		return nil, err
	}

	if groups == 1 {
		conv1DFastGroups1(input.RawData(), kernel.RawData(), biasData, p, stride, padding, dilation, out.RawData())
		return out, nil
	}

	conv1DGrouped(input.RawData(), kernel.RawData(), biasData, out.RawData(), p, stride, padding, dilation)

	return out, nil
}

// SamePadding returns the padding that keeps the sequence length unchanged
// for an odd kernel at stride 1.
func SamePadding(kernelSize, dilation int64) int64 {
	return dilation * (kernelSize - 1) / 2
}

// PartialConv1D is a stride-1 convolution that treats positions outside mask
// as missing rather than zero. Each output is rescaled by the fraction of its
// receptive field that was valid and positions with no valid input are
// zeroed. mask is [batch, 1, length] with 0/1 entries; nil means every
// in-range position is valid, so only the zero padding at the borders is
// compensated.
func PartialConv1D(input, mask, kernel, bias *tensor.Tensor, padding, dilation int64) (*tensor.Tensor, error) {
	if input == nil || kernel == nil {
		return nil, errors.New("ops: partial conv1d requires non-nil input/kernel")
	}

	shape := input.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("ops: partial conv1d expects rank 3 input, got %v", shape)
	}

	batch, length := shape[0], shape[2]
	kSize := kernel.Dim(2)

	if mask == nil {
		var err error

		mask, err = tensor.Full([]int64{batch, 1, length}, 1)
		if err != nil {
			return nil, err
		}
	} else {
		if ms := mask.Shape(); len(ms) != 3 || ms[0] != batch || ms[1] != 1 || ms[2] != length {
			return nil, fmt.Errorf("ops: partial conv1d mask shape %v does not match input %v", ms, shape)
		}

		var err error

		input, err = tensor.BroadcastMul(input, mask)
		if err != nil {
			return nil, fmt.Errorf("ops: partial conv1d mask input: %w", err)
		}
	}

	raw, err := Conv1D(input, kernel, bias, 1, padding, dilation, 1)
	if err != nil {
		return nil, fmt.Errorf("ops: partial conv1d: %w", err)
	}

	ones, err := tensor.Full([]int64{1, 1, kSize}, 1)
	if err != nil {
		return nil, err
	}

	coverage, err := Conv1D(mask, ones, nil, 1, padding, dilation, 1)
	if err != nil {
		return nil, fmt.Errorf("ops: partial conv1d mask update: %w", err)
	}

	outCh := raw.Dim(1)
	outLen := raw.Dim(2)
	rd := raw.RawData()
	cd := coverage.RawData()

	var bd []float32
	if bias != nil {
		bd = bias.RawData()
	}

	window := float32(kSize)

	for b := range batch {
		for t := range outLen {
			cov := cd[b*outLen+t]
			update := min(max(cov, 0), 1)
			ratio := window / (cov + 1e-6) * update

			for oc := range outCh {
				i := (b*outCh+oc)*outLen + t
				if bd == nil {
					rd[i] *= ratio
					continue
				}

				rd[i] = ((rd[i]-bd[oc])*ratio + bd[oc]) * update
			}
		}
	}

	return raw, nil
}

// conv1DFastGroups1 is the im2col path for groups=1. It gathers a patch
// matrix [outLength, inChannels*kernelSize] so every output value becomes a
// dot product of two contiguous rows.
func conv1DFastGroups1(inputData, kernelData, biasData []float32, p conv1DParams, stride, padding, dilation int64, outData []float32) {
	patchLen := int(p.inChannels * p.kernelSize)

	imcol := getScratch(int(p.outLength) * patchLen)
	defer putScratch(imcol)

	kSizeI := int(p.kernelSize)
	outChI := int(p.outChannels)
	outLenI := int(p.outLength)
	lenI := int(p.length)

	for b := range p.batch {
		if b > 0 {
			clear(imcol)
		}

		for ic := range p.inChannels {
			inBase := int(b*p.inChannels+ic) * lenI
			for kx := range p.kernelSize {
				col := int(ic)*kSizeI + int(kx)
				for ox := range p.outLength {
					inPos := ox*stride - padding + kx*dilation
					if inPos >= 0 && inPos < p.length {
						imcol[int(ox)*patchLen+col] = inputData[inBase+int(inPos)]
					}
				}
			}
		}

		outBase := int(b) * outChI * outLenI

		tensor.ParallelFor(outChI, getConvWorkers(), func(ocLo, ocHi int) {
			for oc := ocLo; oc < ocHi; oc++ {
				kernelRow := kernelData[oc*patchLen : (oc+1)*patchLen]

				biasVal := float32(0)
				if biasData != nil {
					biasVal = biasData[oc]
				}

				outOC := outData[outBase+oc*outLenI : outBase+(oc+1)*outLenI]
				for ox := range outLenI {
					outOC[ox] = tensor.DotProduct(kernelRow, imcol[ox*patchLen:(ox+1)*patchLen]) + biasVal
				}
			}
		})
	}
}

type conv1DParams struct {
	batch       int64
	inChannels  int64
	length      int64
	outChannels int64
	kInChannels int64
	kernelSize  int64
	outLength   int64
	inPerGroup  int64
	outPerGroup int64
}

func prepareConv1D(
	input, kernel, bias *tensor.Tensor,
	stride, padding, dilation, groups int64,
) (conv1DParams, *tensor.Tensor, []float32, error) {
	if input == nil || kernel == nil {
		return conv1DParams{}, nil, nil, errors.New("ops: conv1d requires non-nil input/kernel")
	}

	if stride <= 0 || dilation <= 0 || groups <= 0 {
		return conv1DParams{}, nil, nil, errors.New("ops: conv1d stride/dilation/groups must be > 0")
	}

	inShape := input.Shape()
	kShape := kernel.Shape()

	if len(inShape) != 3 || len(kShape) != 3 {
		return conv1DParams{}, nil, nil, fmt.Errorf("ops: conv1d expects input/kernel rank 3, got %v and %v", inShape, kShape)
	}

	p := conv1DParams{
		batch:       inShape[0],
		inChannels:  inShape[1],
		length:      inShape[2],
		outChannels: kShape[0],
		kInChannels: kShape[1],
		kernelSize:  kShape[2],
	}

	if p.inChannels%groups != 0 || p.outChannels%groups != 0 {
		return conv1DParams{}, nil, nil, fmt.Errorf("ops: conv1d channels not divisible by groups (%d, %d, groups=%d)", p.inChannels, p.outChannels, groups)
	}

	if p.kInChannels != p.inChannels/groups {
		return conv1DParams{}, nil, nil, fmt.Errorf("ops: conv1d kernel in_channels/groups mismatch: got %d want %d", p.kInChannels, p.inChannels/groups)
	}

	p.inPerGroup = p.inChannels / groups
	p.outPerGroup = p.outChannels / groups

	if bias != nil {
		bShape := bias.Shape()
		if len(bShape) != 1 || bShape[0] != p.outChannels {
			return conv1DParams{}, nil, nil, fmt.Errorf("ops: conv1d bias shape %v does not match out_channels %d", bShape, p.outChannels)
		}
	}

	p.outLength = (p.length+2*padding-dilation*(p.kernelSize-1)-1)/stride + 1
	if p.outLength <= 0 {
		return conv1DParams{}, nil, nil, fmt.Errorf("ops: conv1d produced non-positive output length %d", p.outLength)
	}

	out, err := tensor.Zeros([]int64{p.batch, p.outChannels, p.outLength})
	if err != nil {
		return conv1DParams{}, nil, nil, err
	}

	var biasData []float32
	if bias != nil {
		biasData = bias.RawData()
	}

	return p, out, biasData, nil
}

func conv1DGrouped(inputData, kernelData, biasData, outData []float32, p conv1DParams, stride, padding, dilation int64) {
	for b := range p.batch {
		for oc := range p.outChannels {
			g := oc / p.outPerGroup
			inStart := g * p.inPerGroup

			for ox := range p.outLength {
				sum := float32(0)
				if biasData != nil {
					sum = biasData[oc]
				}

				for ic := range p.inPerGroup {
					inC := inStart + ic

					for kx := range p.kernelSize {
						inPos := ox*stride - padding + kx*dilation
						if inPos < 0 || inPos >= p.length {
							continue
						}

						inputIdx := ((b*p.inChannels + inC) * p.length) + inPos
						kernelIdx := ((oc*p.kInChannels + ic) * p.kernelSize) + kx
						sum += inputData[inputIdx] * kernelData[kernelIdx]
					}
				}

				outData[((b*p.outChannels+oc)*p.outLength)+ox] = sum
			}
		}
	}
}
