package elementwise

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/aura/driver/host"
)

func init() {
	host.RegisterKernel("aura_div_f32_f32", hostDiv(func(x, y float32) float32 { return x / y }))
	host.RegisterKernel("aura_div_c64_c64", hostDiv(divComplex64))
	host.RegisterKernel("aura_div_f32_c64", hostDiv(func(x float32, y complex64) complex64 {
		return divComplex64(complex(x, 0), y)
	}))
	host.RegisterKernel("aura_div_c64_f32", hostDiv(func(x complex64, y float32) complex64 {
		return complex(real(x)/y, imag(x)/y)
	}))
}

func hostKernelNames() []string {
	return []string{"aura_div_f32_f32", "aura_div_c64_c64", "aura_div_f32_c64", "aura_div_c64_f32"}
}

// hostDiv returns a host kernel with arguments (out, a, b, n, bStride) applying div element-wise.
// With bStride 0, b holds a single element.
func hostDiv[A, B, O Operand](div func(x A, y B) O) host.Kernel {
	return func(l *host.Launch) error {
		outPtr, err := l.Pointer(0)
		if err != nil {
			return err
		}
		aPtr, err := l.Pointer(1)
		if err != nil {
			return err
		}
		bPtr, err := l.Pointer(2)
		if err != nil {
			return err
		}
		n32, err := l.Uint32(3)
		if err != nil {
			return err
		}
		bStride, err := l.Uint32(4)
		if err != nil {
			return err
		}
		n := min(int(n32), l.Threads())
		if n == 0 {
			return nil
		}
		out, err := host.Slice[O](l, outPtr, n)
		if err != nil {
			return err
		}
		a, err := host.Slice[A](l, aPtr, n)
		if err != nil {
			return err
		}
		b, err := host.Slice[B](l, bPtr, (n-1)*int(bStride)+1)
		if err != nil {
			return err
		}
		for i := range n {
			out[i] = div(a[i], b[i*int(bStride)])
		}
		return nil
	}
}

// divComplex64 divides x by y with Smith's algorithm, in float32 precision.
func divComplex64(x, y complex64) complex64 {
	a, b := real(x), imag(x)
	c, d := real(y), imag(y)
	if math32.Abs(c) >= math32.Abs(d) {
		r := d / c
		den := c + d*r
		return complex((a+b*r)/den, (b-a*r)/den)
	}
	r := c / d
	den := c*r + d
	return complex((a*r+b)/den, (b*r-a)/den)
}
