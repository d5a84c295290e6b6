// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpab

import (
	"github.com/gomlx/cpab/pkg/core/tensors"
)

// Op is one recorded application of a transformation, as a node of a host reverse-mode differentiation:
// it keeps its inputs and output, and computes the vector-Jacobian product for a given output gradient.
type Op struct {
	transformer           *Transformer
	points, theta, output *tensors.Tensor
}

// Apply transforms the points (see Transformer.Transform) and returns the recorded Op.
func (t *Transformer) Apply(points, theta *tensors.Tensor) (*Op, error) {
	output, err := t.Transform(points, theta)
	if err != nil {
		return nil, err
	}
	return &Op{transformer: t, points: points, theta: theta, output: output}, nil
}

// Inputs returns the points and theta, in this order.
func (op *Op) Inputs() []*tensors.Tensor {
	return []*tensors.Tensor{op.points, op.theta}
}

// Output returns the transformed points, shaped [n_theta, 2, P].
func (op *Op) Output() *tensors.Tensor {
	return op.output
}

// VJP returns the gradients of the inputs given the gradient v of the output: one per input, in the
// order of Inputs. The points are not differentiable, so the first one is always nil, and the second
// is the theta gradient shaped [d, n_theta].
//
// v is usually shaped like the output, [n_theta, 2, P], but the per-component [d, n_theta, 2, P] is also
// accepted, see Transformer.Gradient.
func (op *Op) VJP(v *tensors.Tensor) ([]*tensors.Tensor, error) {
	pointsGrad, thetaGrad, err := op.transformer.Gradient(op.points, op.theta, v)
	if err != nil {
		return nil, err
	}
	return []*tensors.Tensor{pointsGrad, thetaGrad}, nil
}
