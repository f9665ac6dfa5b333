// Package camera places the server's proxy camera at the poses received from
// the client and computes the view matrix used to render it.
package camera

import (
	"github.com/teleview/teleview-server/geom"
	"github.com/teleview/teleview-server/pose"
	"gonum.org/v1/gonum/spatial/r3"
)

// flipZ converts between the right-handed camera space used for rendering
// and the left-handed world space poses are expressed in.
var flipZ = r3.Vec{X: 1, Y: 1, Z: -1}

// Applier applies remote poses to a camera node. The zero value is not
// usable; use NewApplier.
type Applier struct {
	camera  *geom.Transform
	owner   *geom.Transform
	restore pose.Pose
	bypass  bool
	applied int64
}

// NewApplier returns an Applier moving camera. owner is the node owning the
// camera; its world-to-local matrix is composed into the bypass view. The
// restore point starts as the identity pose.
func NewApplier(camera, owner *geom.Transform) *Applier {
	return &Applier{
		camera:  camera,
		owner:   owner,
		restore: pose.Identity,
	}
}

// Apply stores the current camera pose as the restore point and moves the
// camera to p.
func (a *Applier) Apply(p pose.Pose) {
	a.restore = pose.Pose{
		Position: a.camera.Position,
		Rotation: a.camera.Rotation,
	}
	a.camera.Position = p.Position
	a.camera.Rotation = p.Rotation
	a.applied++
}

// ApplyPosition is Apply for position-only poses: the camera keeps its
// current rotation.
func (a *Applier) ApplyPosition(position r3.Vec) {
	a.Apply(pose.Pose{Position: position, Rotation: a.camera.Rotation})
}

// Restore returns the camera pose recorded by the last Apply.
func (a *Applier) Restore() pose.Pose {
	return a.restore
}

// Applied returns how many poses were applied.
func (a *Applier) Applied() int64 {
	return a.applied
}

// Camera returns the current camera placement.
func (a *Applier) Camera() geom.Transform {
	return *a.camera
}

// SetBypass enables or disables the view bypass.
func (a *Applier) SetBypass(enabled bool) {
	a.bypass = enabled
}

// Bypass reports whether the view bypass is enabled.
func (a *Applier) Bypass() bool {
	return a.bypass
}

// ViewMatrix returns the world-to-camera matrix to render with.
func (a *Applier) ViewMatrix() geom.Mat4 {
	if a.bypass {
		return ComputeViewBypass(a.camera.Position, a.restore.Position, *a.owner)
	}
	return DefaultView(*a.camera)
}

// ComputeViewBypass returns the view matrix translating by the camera motion
// since the restore point, flipping Z, and composed with the owner's
// world-to-local matrix. The scene-graph camera is not moved.
func ComputeViewBypass(cameraPos, restorePos r3.Vec, owner geom.Transform) geom.Mat4 {
	delta := r3.Sub(cameraPos, restorePos)
	m := geom.TRS(delta, geom.IdentityRotation, flipZ)
	return geom.Mul(m, owner.WorldToLocal())
}

// DefaultView returns the usual world-to-camera matrix of a camera placed at
// cam: the inverse of its unit-scale placement, with Z flipped.
func DefaultView(cam geom.Transform) geom.Mat4 {
	placed := geom.NewTransform(cam.Position, cam.Rotation)
	return geom.Mul(geom.Scale(flipZ), placed.WorldToLocal())
}
