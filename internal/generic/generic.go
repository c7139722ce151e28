package generic

import "reflect"

// TypeOf 返回 T 的 reflect.Type。
//
// 示例:
//
//	TypeOf[int]()     // reflect.TypeOf(int)
//	TypeOf[*int]()    // reflect.TypeOf(*int)
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// PtrOf 返回传入值 v 的指针。
// 用于需要获取字面量指针的场景，如配置结构体字段初始化。
func PtrOf[T any](v T) *T {
	return &v
}

// CopyMap 创建 map 的完整副本。
// 新 map 与原 map 完全独立，修改不会相互影响。
// nil 输入返回 nil。
func CopyMap[K comparable, V any](src map[K]V) map[K]V {
	if src == nil {
		return nil
	}
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// CopySlice 创建切片的浅副本。
// nil 输入返回 nil。
func CopySlice[S ~[]E, E any](src S) S {
	if src == nil {
		return nil
	}
	dst := make(S, len(src))
	copy(dst, src)
	return dst
}
