// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpab

import (
	"github.com/gomlx/cpab/pkg/core/shapes"
	"github.com/gomlx/cpab/pkg/core/tensors"
	"github.com/gomlx/cpab/pkg/cpab/kernels"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Gradient returns the vector-Jacobian product of Transform with respect to theta: for each parameter
// component k and sample i,
//
//	thetaGrad[k, i] = sum over (c, p) of upstream[k, i, c, p] * d transformed[i, c, p] / d theta[i, k]
//
//   - points: [2, P], as in Transform.
//   - theta: [n_theta, d].
//   - upstream: the gradient of a downstream loss, either [d, n_theta, 2, P] or [n_theta, 2, P] (the shape of
//     the output of Transform), in which case the same upstream is used for every parameter component.
//
// The points are not differentiated: pointsGrad is always nil. thetaGrad is Float32 shaped [d, n_theta]
// (note the parameter axis comes first). It is linear in upstream.
func (t *Transformer) Gradient(points, theta, upstream *tensors.Tensor) (pointsGrad, thetaGrad *tensors.Tensor, err error) {
	b, err := t.Basis()
	if err != nil {
		return nil, nil, err
	}
	points, err = checkPoints(points)
	if err != nil {
		return nil, nil, err
	}
	as, err := Expand(b, theta)
	if err != nil {
		return nil, nil, err
	}
	dim, numTheta, numPoints := b.Dim(), as.Shape().Dim(0), points.Shape().Dim(1)
	upstream, broadcast, err := checkUpstream(upstream, dim, numTheta, numPoints)
	if err != nil {
		return nil, nil, err
	}
	bs, err := b.Blocks()
	if err != nil {
		return nil, nil, err
	}
	geom := GeometryOf(b)
	klog.V(2).Infof("cpab.Gradient(points=%s, theta=%s, upstream=%s): %s",
		points.Shape(), theta.Shape(), upstream.Shape(), geom)
	jacobian, err := t.callKernel("Gradient", shapes.Make(dtypes.Float32, dim, numTheta, 2, numPoints),
		func(k kernels.Kernels) (*tensors.Tensor, error) {
			return k.Gradient(points, as, bs, geom)
		})
	if err != nil {
		return nil, nil, err
	}
	thetaGrad, err = contract(jacobian, upstream, broadcast)
	if err != nil {
		return nil, nil, err
	}
	return nil, thetaGrad, nil
}

// checkUpstream returns upstream converted to Float32 and whether it must be broadcast over the parameter
// axis, or an error if its shape is neither [d, n_theta, 2, P] nor [n_theta, 2, P].
func checkUpstream(upstream *tensors.Tensor, dim, numTheta, numPoints int) (*tensors.Tensor, bool, error) {
	if err := upstream.CheckValid(); err != nil {
		return nil, false, shapeErrorf("invalid upstream gradient: %v", err)
	}
	var broadcast bool
	switch shape := upstream.Shape(); {
	case shape.CheckDims(dim, numTheta, 2, numPoints) == nil:
	case shape.CheckDims(numTheta, 2, numPoints) == nil:
		broadcast = true
	default:
		return nil, false, shapeErrorf("upstream gradient shaped %s, wanted [%d, %d, 2, %d] or [%d, 2, %d]",
			shape, dim, numTheta, numPoints, numTheta, numPoints)
	}
	upstream32, err := upstream.ToFloat32()
	if err != nil {
		return nil, false, errors.WithMessage(err, "upstream gradient")
	}
	return upstream32, broadcast, nil
}

// contract multiplies the jacobian [d, n_theta, 2, P] element-wise with upstream and sums over the last
// two axes. If broadcast is true, upstream is [n_theta, 2, P] and it's used for every parameter component.
func contract(jacobian, upstream *tensors.Tensor, broadcast bool) (*tensors.Tensor, error) {
	dim, numTheta := jacobian.Shape().Dim(0), jacobian.Shape().Dim(1)
	blockSize := jacobian.Shape().Dim(2) * jacobian.Shape().Dim(3)
	output := tensors.FromShape(shapes.Make(dtypes.Float32, dim, numTheta))
	var upstreamErr error
	err := tensors.ConstFlatData(jacobian, func(jacFlat []float32) {
		upstreamErr = tensors.ConstFlatData(upstream, func(upFlat []float32) {
			tensors.MustMutableFlatData(output, func(out []float32) {
				for row := range dim * numTheta {
					upRow := row
					if broadcast {
						upRow = row % numTheta
					}
					jac := jacFlat[row*blockSize : (row+1)*blockSize]
					up := upFlat[upRow*blockSize : (upRow+1)*blockSize]
					var sum float64
					for ii, v := range jac {
						sum += float64(v) * float64(up[ii])
					}
					out[row] = float32(sum)
				}
			})
		})
	})
	if err == nil {
		err = upstreamErr
	}
	if err != nil {
		return nil, err
	}
	return output, nil
}
